package coap

import "testing"

func TestGetVariable(t *testing.T) {
	buf := []byte("color=r&mode=on&name=a%20b")

	if v, ok := GetVariable("mode", buf, false); !ok || v != "on" {
		t.Errorf("mode = %q %v", v, ok)
	}
	if v, ok := GetVariable("color", buf, false); !ok || v != "r" {
		t.Errorf("color = %q %v", v, ok)
	}
	if v, ok := GetVariable("name", buf, true); !ok || v != "a b" {
		t.Errorf("name = %q %v", v, ok)
	}
	if _, ok := GetVariable("col", buf, false); ok {
		t.Error("prefix of a key must not match")
	}
	if _, ok := GetVariable("missing", buf, false); ok {
		t.Error("missing key matched")
	}
}

func TestPacketVariables(t *testing.T) {
	p := NewPacket(TypeCON, MethodPost, 1)
	p.SetURIQuery("color=g")
	p.SetPayload([]byte("mode=off"))

	if v, ok := p.GetQueryVariable("color"); !ok || v != "g" {
		t.Errorf("query color = %q %v", v, ok)
	}
	if v, ok := p.GetPostVariable("mode"); !ok || v != "off" {
		t.Errorf("post mode = %q %v", v, ok)
	}

	empty := NewPacket(TypeCON, MethodGet, 2)
	if _, ok := empty.GetQueryVariable("color"); ok {
		t.Error("no query option, no variable")
	}
	if _, ok := empty.GetPostVariable("mode"); ok {
		t.Error("no payload, no variable")
	}
}
