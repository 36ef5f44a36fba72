package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"authenticate", Authenticate{SessionID: 42, Role: RoleServer, Password: []byte("s3cret")}},
		{"authenticate-empty-password", Authenticate{SessionID: -1, Role: RoleClient, Password: nil}},
		{"authok", AuthOk{}},
		{"authfailed", AuthFailed{}},
		{"partnerjoined", PartnerJoined{}},
		{"partnerleft", PartnerLeft{}},
		{"opensession", OpenSession{Bindings: []Binding{
			{TargetHost: "10.0.0.5", TargetPort: 22},
			{TargetHost: "internal.svc", TargetPort: 8080},
		}}},
		{"opensession-empty", OpenSession{}},
		{"openconnection", OpenConnection{ID: 7, Host: "example.com", Port: 443}},
		{"connectionopened", ConnectionOpened{ID: 7}},
		{"closeconnection", CloseConnection{ID: 7, Reason: ReasonUnreachable}},
		{"data", Data{ID: 7, Payload: []byte("hello world")}},
		{"data-empty", Data{ID: 7}},
		{"windowupdate", WindowUpdate{ID: 7, Credit: 262144}},
		{"goaway", GoAway{Code: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !directlyEqual(decoded, tc.msg) && !equalMessage(decoded, tc.msg) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", decoded, tc.msg)
			}
		})
	}
}

// directlyEqual reports whether a == b, treating a panic from comparing
// message types that embed a slice (which Go's == cannot compare) as
// "not equal" so equalMessage's field-by-field fallback can run instead.
func directlyEqual(a, b Message) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// equalMessage compares slice-bearing messages field by field since Go's
// == does not work on structs containing []byte or []Binding.
func equalMessage(a, b Message) bool {
	switch av := a.(type) {
	case Authenticate:
		bv := b.(Authenticate)
		return av.SessionID == bv.SessionID && av.Role == bv.Role && bytes.Equal(av.Password, bv.Password)
	case OpenSession:
		bv := b.(OpenSession)
		if len(av.Bindings) != len(bv.Bindings) {
			return false
		}
		for i := range av.Bindings {
			if av.Bindings[i] != bv.Bindings[i] {
				return false
			}
		}
		return true
	case Data:
		bv := b.(Data)
		return av.ID == bv.ID && bytes.Equal(av.Payload, bv.Payload)
	default:
		return false
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	payload := []byte{0x7F, 0x01, 0x02, 0x03}
	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	unk, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", msg)
	}
	if unk.Op != 0x7F {
		t.Errorf("Op = 0x%02x, want 0x7f", unk.Op)
	}
	if !bytes.Equal(unk.Raw, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("Raw = %v, want [1 2 3]", unk.Raw)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode(nil) error = %v, want ErrMalformed", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	full, err := Encode(OpenConnection{ID: 1, Host: "x", Port: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for n := 1; n < len(full); n++ {
		if _, err := Decode(full[:n]); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(truncated to %d bytes) error = %v, want ErrMalformed", n, err)
		}
	}
}

func TestDecodeOversizedBindingCount(t *testing.T) {
	payload := []byte{byte(OpOpenSession), 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := Decode(payload); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode error = %v, want ErrMalformed", err)
	}
}

func TestEncodeUnknownRejected(t *testing.T) {
	_, err := Encode(Unknown{Op: 0x7F})
	if err == nil {
		t.Fatal("expected error encoding Unknown")
	}
}
