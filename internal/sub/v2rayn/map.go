package v2rayn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const stageMap = "map_proxy"

type MapError struct {
	AppError model.AppError
	Cause    error
}

func (e *MapError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *MapError) Unwrap() error { return e.Cause }

func newMapError(label string, code string, message string, hint string) *MapError {
	return &MapError{AppError: model.AppError{
		Code:    code,
		Message: message,
		Stage:   stageMap,
		Snippet: model.TruncateSnippet(label, 200),
		Hint:    hint,
	}}
}

// familyRule is one step of protocol inference: an explicit type tag, or a
// field-shape predicate.
type familyRule struct {
	family model.Family
	tags   []string
	match  func(d descriptor) bool
}

// inference is evaluated top to bottom; the first rule that matches wins.
var inference = []familyRule{
	{
		family: model.FamilyShadowsocks,
		tags:   []string{"ss", "shadowsocks"},
		match: func(d descriptor) bool {
			return d.anyTruthy("method", "cipher") &&
				!d.anyTruthy("id", "uuid") && !d.has("encryption") && !d.has("protocol")
		},
	},
	{
		family: model.FamilyTrojan,
		tags:   []string{"trojan"},
		match: func(d descriptor) bool {
			return d.truthy("password") &&
				!d.anyTruthy("method", "id", "uuid") &&
				!d.has("cipher") && !d.has("scy") && !d.has("protocol")
		},
	},
	{
		family: model.FamilyVLESS,
		tags:   []string{"vless"},
		match: func(d descriptor) bool {
			return d.anyTruthy("id", "uuid") &&
				(strings.EqualFold(d.str("encryption"), "none") || d.truthy("flow"))
		},
	},
	{
		family: model.FamilyVMess,
		tags:   []string{"vmess"},
		match: func(d descriptor) bool {
			return d.anyTruthy("id", "uuid") && d.has("aid")
		},
	},
	{
		family: model.FamilyShadowsocksR,
		tags:   []string{"ssr", "shadowsocksr"},
		match: func(d descriptor) bool {
			return d.truthy("protocol")
		},
	},
}

func isFamilyTag(s string) bool {
	return lo.SomeBy(inference, func(r familyRule) bool { return lo.Contains(r.tags, s) })
}

// inferFamily returns the protocol family of d, or "" when no rule matches.
func inferFamily(d descriptor) model.Family {
	tag := d.tag()
	for _, r := range inference {
		if lo.Contains(r.tags, tag) || r.match(d) {
			return r.family
		}
	}
	return ""
}

var builders = map[model.Family]func(d descriptor, server string) model.Options{
	model.FamilyShadowsocks:  buildShadowsocks,
	model.FamilyShadowsocksR: buildShadowsocksR,
	model.FamilyTrojan:       buildTrojan,
	model.FamilyVLESS:        buildVLESS,
	model.FamilyVMess:        buildVMess,
}

// MapDescriptor converts one V2RayN-style descriptor into a canonical proxy.
// A rejected descriptor returns a *MapError and is logged; it is never fatal
// for the caller's batch.
func MapDescriptor(raw map[string]any) (model.Proxy, error) {
	p, merr := mapDescriptor(descriptor(raw), "")
	if merr != nil {
		logRejection(merr.AppError)
		return model.Proxy{}, merr
	}
	return p, nil
}

func logRejection(e model.AppError) {
	fields := logrus.Fields{"stage": e.Stage, "code": e.Code}
	if e.Snippet != "" {
		fields["proxy"] = e.Snippet
	}
	if e.Line > 0 {
		fields["line"] = e.Line
	}
	logrus.WithFields(fields).Warn(e.Message)
}

// mapDescriptor does the work of MapDescriptor without logging. hint forces
// the family for sources that already know it (vmess:// links).
func mapDescriptor(d descriptor, hint model.Family) (model.Proxy, *MapError) {
	name := d.first("ps", "name", "remarks")
	server := d.first("add", "server", "address")
	label := lo.CoalesceOrEmpty(name, server+":"+d.str("port"))

	if server == "" {
		return model.Proxy{}, newMapError(label, "PROXY_MISSING_SERVER", "节点缺少服务器地址", "expected: add")
	}
	port, ok := d.port()
	if !ok {
		return model.Proxy{}, newMapError(label, "PROXY_INVALID_PORT", "节点端口不合法", "expected: 1-65535")
	}
	family := hint
	if family == "" {
		family = inferFamily(d)
	}
	build, ok := builders[family]
	if !ok {
		return model.Proxy{}, newMapError(label, "PROXY_UNKNOWN_FAMILY", "无法识别节点协议类型", "supported: ss/ssr/trojan/vless/vmess")
	}

	if family == model.FamilyShadowsocks {
		if plugin := d.str("plugin"); plugin != "" && !isObfsPlugin(plugin) {
			return model.Proxy{}, newMapError(label, "PROXY_UNSUPPORTED_PLUGIN", "不支持的 ss 插件："+plugin, "supported: obfs-local/simple-obfs")
		}
	}

	if name == "" {
		name = fmt.Sprintf("%s:%d", server, port)
	}
	p := model.Proxy{
		Name:    name,
		Server:  server,
		Port:    port,
		Options: build(d, server),
	}
	p.SettleTLS()

	if missing := missingField(p.Options); missing != "" {
		return model.Proxy{}, newMapError(label, "PROXY_MISSING_FIELD", fmt.Sprintf("%s 节点缺少必填字段：%s", family, missing), "")
	}
	return p, nil
}

func missingField(o model.Options) string {
	switch o := o.(type) {
	case *model.Shadowsocks:
		if o.Cipher == "" {
			return "cipher"
		}
		if o.Password == "" {
			return "password"
		}
	case *model.Trojan:
		if o.Password == "" {
			return "password"
		}
	case *model.VLESS:
		if o.UUID == "" {
			return "uuid"
		}
	case *model.VMess:
		if o.UUID == "" {
			return "uuid"
		}
	}
	return ""
}

// tls derives the TLS block. servername is left empty when no hint field
// is set; SettleTLS fills it from the server afterwards.
func (d descriptor) tls() model.TLS {
	t := model.TLS{Enabled: d.tlsOn()}
	if !t.Enabled {
		return t
	}
	skip := d.insecure()
	t.SkipCertVerify = &skip
	t.ServerName = d.first("sni", "host", "peer")
	t.ClientFingerprint = lo.CoalesceOrEmpty(d.str("fp"), "chrome")
	return t
}

// transport maps the net field. httpHeader enables the VMess-only HTTP
// header disguise over tcp.
func (d descriptor) transport(t model.TLS, server string, httpHeader bool) model.Transport {
	tlsName := ""
	if t.Enabled {
		tlsName = t.ServerName
	}
	host := lo.CoalesceOrEmpty(d.str("host"), tlsName, server)

	switch strings.ToLower(d.str("net")) {
	case "ws":
		return model.Transport{
			Network: "ws",
			WSOpts: &model.WSOpts{
				Path:    lo.CoalesceOrEmpty(d.str("path"), "/"),
				Headers: map[string]string{"Host": host},
			},
		}
	case "grpc":
		return model.Transport{
			Network:  "grpc",
			GRPCOpts: &model.GRPCOpts{ServiceName: d.first("path", "serviceName")},
		}
	case "tcp":
		if httpHeader {
			switch h := d.tag(); h {
			case "", "none", "dtls", "wireguard":
			default:
				if !isFamilyTag(h) {
					return model.Transport{
						Network: "http",
						HTTPOpts: &model.HTTPOpts{
							Path:    splitList(lo.CoalesceOrEmpty(d.str("path"), "/")),
							Headers: map[string][]string{"Host": splitList(host)},
						},
					}
				}
			}
		}
		return model.Transport{Network: "tcp"}
	default:
		return model.Transport{}
	}
}

func buildShadowsocks(d descriptor, server string) model.Options {
	o := &model.Shadowsocks{
		Cipher:   d.first("method", "cipher"),
		Password: d.str("password"),
	}
	if isObfsPlugin(d.str("plugin")) || d.truthy("obfs") {
		mode := strings.ToLower(d.str("obfs"))
		if mode != "http" && mode != "tls" {
			mode = "http"
		}
		o.Plugin = "obfs"
		o.PluginOpts = &model.PluginOpts{
			Mode: mode,
			Host: lo.CoalesceOrEmpty(d.first("obfshost", "obfs-host", "host"), server),
		}
	}
	return o
}

func isObfsPlugin(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "obfs-local", "simple-obfs", "obfs":
		return true
	}
	return false
}

func buildShadowsocksR(d descriptor, _ string) model.Options {
	return &model.ShadowsocksR{
		Cipher:        d.first("method", "cipher"),
		Password:      d.str("password"),
		Protocol:      d.str("protocol"),
		ProtocolParam: d.first("protocolparam", "protoparam", "protocol-param"),
		Obfs:          d.str("obfs"),
		ObfsParam:     d.first("obfsparam", "obfs-param"),
	}
}

func buildTrojan(d descriptor, server string) model.Options {
	t := d.tls()
	return &model.Trojan{
		Password:  d.str("password"),
		TLS:       t,
		Transport: d.transport(t, server, false),
	}
}

func buildVLESS(d descriptor, server string) model.Options {
	o := &model.VLESS{
		UUID:       d.first("id", "uuid"),
		Flow:       d.str("flow"),
		Encryption: "none",
	}

	switch strings.ToLower(d.str("security")) {
	case "reality":
		skip := d.insecure()
		o.Flow = lo.CoalesceOrEmpty(o.Flow, "xtls-rprx-vision")
		o.TLS = model.TLS{
			Enabled:           true,
			ServerName:        lo.CoalesceOrEmpty(d.first("sni", "peer"), server),
			SkipCertVerify:    &skip,
			ClientFingerprint: lo.CoalesceOrEmpty(d.str("fp"), "chrome"),
		}
		o.RealityOpts = &model.RealityOpts{PublicKey: d.str("pbk"), ShortID: d.str("sid")}
	case "tls":
		d = withTLS(d)
		o.TLS = d.tls()
	default:
		o.TLS = d.tls()
	}
	o.Transport = d.transport(o.TLS, server, false)
	return o
}

// withTLS returns a copy of d with TLS switched on.
func withTLS(d descriptor) descriptor {
	c := make(descriptor, len(d)+1)
	for k, v := range d {
		c[k] = v
	}
	c["tls"] = "tls"
	return c
}

func buildVMess(d descriptor, server string) model.Options {
	aid, err := strconv.Atoi(d.str("aid"))
	if err != nil {
		aid = 0
	}
	t := d.tls()
	return &model.VMess{
		UUID:      d.first("id", "uuid"),
		AlterID:   aid,
		Cipher:    lo.CoalesceOrEmpty(d.str("scy"), "auto"),
		TLS:       t,
		Transport: d.transport(t, server, true),
	}
}
