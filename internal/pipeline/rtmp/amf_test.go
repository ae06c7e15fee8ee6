package rtmp

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cmdObj := map[string]any{"app": "live", "capabilities": 15.0}
	payload, err := encodeAll("connect", 1.0, cmdObj, "extra", true, nil)
	if err != nil {
		t.Fatalf("encodeAll: %v", err)
	}

	args, err := decodeAll(payload)
	if err != nil {
		t.Fatalf("decodeAll: %v", err)
	}
	if len(args) != 6 {
		t.Fatalf("decoded %d args, want 6: %+v", len(args), args)
	}
	if args[0] != "connect" {
		t.Errorf("arg0 = %v, want connect", args[0])
	}
	if args[1] != 1.0 {
		t.Errorf("arg1 = %v, want 1.0", args[1])
	}
	obj, ok := args[2].(map[string]any)
	if !ok {
		t.Fatalf("arg2 not an object: %T", args[2])
	}
	if !reflect.DeepEqual(obj["app"], "live") || obj["capabilities"] != 15.0 {
		t.Errorf("decoded object = %+v, want app=live capabilities=15", obj)
	}
	if args[3] != "extra" || args[4] != true || args[5] != nil {
		t.Errorf("tail args = %+v, want [extra true nil]", args[3:])
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	_, err := encodeAll(make(chan int))
	if err == nil {
		t.Fatal("expected an error encoding an unsupported Go type")
	}
}
