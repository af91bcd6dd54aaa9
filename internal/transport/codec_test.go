package transport

import "testing"

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := sample{Name: "U1-P1", Count: 3}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != CodecName {
		t.Fatalf("Name() = %q, want %q", (jsonCodec{}).Name(), CodecName)
	}
}
