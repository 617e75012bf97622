package ss

import (
	"strconv"
	"testing"
)

func FuzzDecodeURI(f *testing.F) {
	seed := []string{
		"",
		"ss://",
		"ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#Node%201",
		"ss://YWVzLTEyOC1nY206cGFzc3dvcmQ=@example.com:8388#A",
		"ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388/?plugin=simple-obfs%3Bobfs%3Dtls%3Bobfs-host%3Dexample.com#obfs",
		"ss://YWVzLTEyOC1nY206cGFzcw==@[::1]:8388#ipv6",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		d, err := DecodeURI("fuzz", 1, line)
		if err != nil {
			return
		}
		if d["type"] != "ss" {
			t.Fatalf("unexpected type: %v", d["type"])
		}
		if d["add"] == "" {
			t.Fatalf("empty server")
		}
		port, err := strconv.Atoi(d["port"].(string))
		if err != nil || port < 1 || port > 65535 {
			t.Fatalf("port out of range: %v", d["port"])
		}
		if d["method"] == "" || d["password"] == "" {
			t.Fatalf("empty method or password")
		}
	})
}
