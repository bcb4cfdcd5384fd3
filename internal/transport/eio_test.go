package transport

import (
	"errors"
	"testing"
	"time"
)

func TestParseHandshake(t *testing.T) {
	h, err := parseHandshake(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
	if err != nil {
		t.Fatalf("parseHandshake failed: %v", err)
	}
	if h.SID != "abc" {
		t.Errorf("SID = %s, want abc", h.SID)
	}
	if h.liveness() != 45*time.Second {
		t.Errorf("liveness = %v, want 45s", h.liveness())
	}

	if _, err := parseHandshake(`40`); !errors.Is(err, errMalformedPacket) {
		t.Errorf("expected errMalformedPacket, got %v", err)
	}
}

func TestParseSocketPacket(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		typ       byte
		namespace string
		ackID     int
		data      string
		wantErr   bool
	}{
		{"connect", "0", sioConnect, "/", -1, "", false},
		{"connect ack", `0{"sid":"x"}`, sioConnect, "/", -1, `{"sid":"x"}`, false},
		{"event", `2["news",{"a":1}]`, sioEvent, "/", -1, `["news",{"a":1}]`, false},
		{"event with ack", `212["news"]`, sioEvent, "/", 12, `["news"]`, false},
		{"namespaced event", `2/admin,["x"]`, sioEvent, "/admin", -1, `["x"]`, false},
		{"namespace only", `1/admin`, sioDisconnect, "/admin", -1, "", false},
		{"binary event", `51-["upload",{"_placeholder":true,"num":0}]`, '5', "/", -1, `["upload",{"_placeholder":true,"num":0}]`, false},
		{"connect error", `4{"message":"denied"}`, sioConnectError, "/", -1, `{"message":"denied"}`, false},
		{"empty", "", 0, "", 0, "", true},
		{"unknown type", "9", 0, "", 0, "", true},
		{"bad json", `2["news"`, 0, "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseSocketPacket(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSocketPacket(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.Type != tt.typ {
				t.Errorf("Type = %c, want %c", p.Type, tt.typ)
			}
			if p.Namespace != tt.namespace {
				t.Errorf("Namespace = %s, want %s", p.Namespace, tt.namespace)
			}
			if p.AckID != tt.ackID {
				t.Errorf("AckID = %d, want %d", p.AckID, tt.ackID)
			}
			if string(p.Data) != tt.data {
				t.Errorf("Data = %s, want %s", p.Data, tt.data)
			}
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		payload string
		wantErr bool
	}{
		{`["ping"]`, "ping", "", false},
		{`["news",{"a":1}]`, "news", `{"a":1}`, false},
		{`["sum",1,2]`, "sum", `[1,2]`, false},
		{`[]`, "", "", true},
		{`[42]`, "", "", true},
		{`{"a":1}`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, payload, err := decodeEvent([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeEvent(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if name != tt.name {
				t.Errorf("name = %s, want %s", name, tt.name)
			}
			if string(payload) != tt.payload {
				t.Errorf("payload = %s, want %s", payload, tt.payload)
			}
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	frame, err := encodeEvent("join", "orders")
	if err != nil {
		t.Fatalf("encodeEvent failed: %v", err)
	}
	if frame != `42["join","orders"]` {
		t.Errorf("frame = %s", frame)
	}

	frame, err = encodeEvent("chat", roomPayload{Room: "r1", Data: []byte(`{"t":"hi"}`)})
	if err != nil {
		t.Fatalf("encodeEvent failed: %v", err)
	}
	if frame != `42["chat",{"room":"r1","data":{"t":"hi"}}]` {
		t.Errorf("frame = %s", frame)
	}
}
