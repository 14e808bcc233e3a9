package bencode_test

import (
	"bytes"
	"errors"
	"testing"

	jackpal "github.com/jackpal/bencode-go"

	"riptide/bencode"
)

func roundTrip(t *testing.T, v bencode.Value) {
	t.Helper()
	encoded := bencode.Encode(v)
	decoded, err := bencode.Decode(encoded)
	if err != nil {
		t.Fatalf("failed to decode %q: %v", encoded, err)
	}
	reencoded := bencode.Encode(decoded)
	if !bytes.Equal(encoded, reencoded) {
		t.Errorf("round trip of %q produced %q", encoded, reencoded)
	}
}

func TestRoundTripIntegers(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 42, -42, 1<<62 + 7, -(1 << 62)} {
		roundTrip(t, bencode.Integer(n))
	}
}

func TestRoundTripStrings(t *testing.T) {
	roundTrip(t, bencode.Text(""))
	roundTrip(t, bencode.Text("spam"))
	roundTrip(t, bencode.String([]byte{0x00, 0xff, 0x13, 0x37}))
}

func TestRoundTripNested(t *testing.T) {
	v := bencode.Dict(map[string]bencode.Value{
		"list":  bencode.List(bencode.Integer(1), bencode.Text("two"), bencode.List()),
		"dict":  bencode.Dict(map[string]bencode.Value{"inner": bencode.Integer(-9)}),
		"empty": bencode.Text(""),
	})
	roundTrip(t, v)
}

func TestDecodeInteger(t *testing.T) {
	v, err := bencode.Decode([]byte("i-123e"))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := v.Integer()
	if !ok || n != -123 {
		t.Errorf("got (%d, %v), want (-123, true)", n, ok)
	}
}

func TestDecodeString(t *testing.T) {
	v, err := bencode.Decode([]byte("5:hello"))
	if err != nil {
		t.Fatal(err)
	}
	b, ok := v.Bytes()
	if !ok || string(b) != "hello" {
		t.Errorf("got (%q, %v), want (hello, true)", b, ok)
	}
}

func TestEncodeCanonicalKeyOrder(t *testing.T) {
	v := bencode.Dict(map[string]bencode.Value{
		"zebra": bencode.Integer(1),
		"apple": bencode.Integer(2),
		"mango": bencode.Integer(3),
	})
	got := string(bencode.Encode(v))
	want := "d5:applei2e5:mangoi3e5:zebrai1ee"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"i-0e",
		"i e",
		"ie",
		"i03e",
		"i12",
		"4:ab",
		"5x:abcde",
		"l",
		"li1e",
		"d",
		"di1ei2ee",    // integer key
		"d3:abce",     // key without value
		"d3:abc",      // truncated after key
		"i1ei2e",      // trailing value
		"2:abx",       // trailing byte
		"x",
	}
	for _, in := range inputs {
		if _, err := bencode.Decode([]byte(in)); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", in)
		}
	}
}

func TestDecodeReportsOffset(t *testing.T) {
	_, err := bencode.Decode([]byte("li1ei-0ee"))
	if err == nil {
		t.Fatal("expected error")
	}
	var derr *bencode.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error %T is not a *DecodeError", err)
	}
	if derr.Offset == 0 {
		t.Errorf("offset not reported: %v", derr)
	}
}

func TestRawSpans(t *testing.T) {
	input := []byte("d4:infod6:lengthi64ee3:key5:valuee")
	v, err := bencode.Decode(input)
	if err != nil {
		t.Fatal(err)
	}
	dict, _ := v.Dict()
	info, ok := dict["info"]
	if !ok {
		t.Fatal("missing info entry")
	}
	if got, want := string(info.Raw()), "d6:lengthi64ee"; got != want {
		t.Errorf("raw span %q, want %q", got, want)
	}
	if got := string(v.Raw()); got != string(input) {
		t.Errorf("top-level raw span %q, want whole input", got)
	}
}

// The canonical encoder should agree byte for byte with
// jackpal/bencode-go on an equivalent document.
func TestEncodeMatchesReference(t *testing.T) {
	ours := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"announce": bencode.Text("http://tracker.example/announce"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.Text("a.txt"),
			"piece length": bencode.Integer(16384),
			"length":       bencode.Integer(16384),
		}),
	}))

	var buf bytes.Buffer
	ref := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info": map[string]interface{}{
			"name":         "a.txt",
			"piece length": 16384,
			"length":       16384,
		},
	}
	if err := jackpal.Marshal(&buf, ref); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ours, buf.Bytes()) {
		t.Errorf("encoder disagrees with reference:\n ours: %q\n ref:  %q", ours, buf.Bytes())
	}
}
