package model

import "gopkg.in/yaml.v3"

// Family is the Clash proxy "type" value.
type Family string

const (
	FamilyShadowsocks  Family = "ss"
	FamilyShadowsocksR Family = "ssr"
	FamilyTrojan       Family = "trojan"
	FamilyVLESS        Family = "vless"
	FamilyVMess        Family = "vmess"
)

// Options is the protocol-specific part of a Proxy. Exactly one of
// *Shadowsocks, *ShadowsocksR, *Trojan, *VLESS, *VMess.
type Options interface {
	Family() Family
}

// Proxy is the canonical node representation written into the Clash
// "proxies" list. It is built once by the descriptor mapper and not mutated
// afterwards except for name normalization in the compiler.
type Proxy struct {
	Name   string
	Server string
	Port   int

	Options Options
}

func (p Proxy) Family() Family {
	if p.Options == nil {
		return ""
	}
	return p.Options.Family()
}

type proxyHead struct {
	Name   string `yaml:"name"`
	Type   Family `yaml:"type"`
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
}

// MarshalYAML emits name/type/server/port first, then the variant fields in
// their declared order.
func (p Proxy) MarshalYAML() (any, error) {
	var head yaml.Node
	if err := head.Encode(proxyHead{Name: p.Name, Type: p.Family(), Server: p.Server, Port: p.Port}); err != nil {
		return nil, err
	}
	if p.Options == nil {
		return &head, nil
	}
	var body yaml.Node
	if err := body.Encode(p.Options); err != nil {
		return nil, err
	}
	head.Content = append(head.Content, body.Content...)
	return &head, nil
}

// TLS holds the TLS-adjacent fields. ServerName, SkipCertVerify and
// ClientFingerprint only exist while Enabled is true.
type TLS struct {
	Enabled           bool   `yaml:"tls"`
	ServerName        string `yaml:"servername,omitempty"`
	SkipCertVerify    *bool  `yaml:"skip-cert-verify,omitempty"`
	ClientFingerprint string `yaml:"client-fingerprint,omitempty"`
}

func (t *TLS) strip() {
	t.ServerName = ""
	t.SkipCertVerify = nil
	t.ClientFingerprint = ""
}

type Transport struct {
	Network  string    `yaml:"network,omitempty"`
	WSOpts   *WSOpts   `yaml:"ws-opts,omitempty"`
	HTTPOpts *HTTPOpts `yaml:"http-opts,omitempty"`
	GRPCOpts *GRPCOpts `yaml:"grpc-opts,omitempty"`
}

type WSOpts struct {
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// HTTPOpts is the HTTP header disguise over plain TCP.
type HTTPOpts struct {
	Method  string              `yaml:"method,omitempty"`
	Path    []string            `yaml:"path"`
	Headers map[string][]string `yaml:"headers,omitempty"`
}

type GRPCOpts struct {
	ServiceName string `yaml:"grpc-service-name"`
}

type PluginOpts struct {
	Mode string `yaml:"mode"`
	Host string `yaml:"host,omitempty"`
}

type Shadowsocks struct {
	Cipher     string      `yaml:"cipher"`
	Password   string      `yaml:"password"`
	Plugin     string      `yaml:"plugin,omitempty"`
	PluginOpts *PluginOpts `yaml:"plugin-opts,omitempty"`
}

func (*Shadowsocks) Family() Family { return FamilyShadowsocks }

type ShadowsocksR struct {
	Cipher        string `yaml:"cipher"`
	Password      string `yaml:"password"`
	Protocol      string `yaml:"protocol"`
	ProtocolParam string `yaml:"protocol-param"`
	Obfs          string `yaml:"obfs"`
	ObfsParam     string `yaml:"obfs-param"`
}

func (*ShadowsocksR) Family() Family { return FamilyShadowsocksR }

type Trojan struct {
	Password  string `yaml:"password"`
	TLS       `yaml:",inline"`
	Transport `yaml:",inline"`
}

func (*Trojan) Family() Family { return FamilyTrojan }

type RealityOpts struct {
	PublicKey string `yaml:"public-key"`
	ShortID   string `yaml:"short-id"`
}

type VLESS struct {
	UUID        string       `yaml:"uuid"`
	Flow        string       `yaml:"flow,omitempty"`
	Encryption  string       `yaml:"encryption"`
	TLS         `yaml:",inline"`
	RealityOpts *RealityOpts `yaml:"reality-opts,omitempty"`
	Transport   `yaml:",inline"`
}

func (*VLESS) Family() Family { return FamilyVLESS }

type VMess struct {
	UUID      string `yaml:"uuid"`
	AlterID   int    `yaml:"alterId"`
	Cipher    string `yaml:"cipher"`
	TLS       `yaml:",inline"`
	Transport `yaml:",inline"`
}

func (*VMess) Family() Family { return FamilyVMess }

// optionalTLS is implemented by variants whose TLS-adjacent fields are only
// kept while TLS is on. VLESS with REALITY returns nil: its fields stay.
type optionalTLS interface {
	optionalTLS() *TLS
}

func (o *Trojan) optionalTLS() *TLS { return &o.TLS }
func (o *VMess) optionalTLS() *TLS  { return &o.TLS }

func (o *VLESS) optionalTLS() *TLS {
	if o.RealityOpts != nil {
		return nil
	}
	return &o.TLS
}

// SettleTLS applies the TLS field rules: servername falls back to Server
// when TLS is on, and the TLS-adjacent fields are dropped when it is off.
func (p *Proxy) SettleTLS() {
	ot, ok := p.Options.(optionalTLS)
	if !ok {
		return
	}
	t := ot.optionalTLS()
	if t == nil {
		return
	}
	if !t.Enabled {
		t.strip()
		return
	}
	if t.ServerName == "" {
		t.ServerName = p.Server
	}
}

// TLSState reports the TLS block of the variant, or nil for families that
// never carry TLS (ss, ssr).
func (p Proxy) TLSState() *TLS {
	switch o := p.Options.(type) {
	case *Trojan:
		return &o.TLS
	case *VLESS:
		return &o.TLS
	case *VMess:
		return &o.TLS
	default:
		return nil
	}
}
