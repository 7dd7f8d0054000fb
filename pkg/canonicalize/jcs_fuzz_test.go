package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"@type":"ids:Permission","ids:action":"idsc:USE"}`))
	f.Add([]byte(`{"ids:constraint":[{"ids:operator":"idsc:AFTER","ids:leftOperand":"idsc:POLICY_EVALUATION_TIME"}]}`))
	f.Add([]byte(`{"ids:target":"https://provider.example/a?x=<1>&y=2"}`))
	f.Add([]byte(`{"n":1e3,"m":-0.5,"b":true,"z":null}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("JCS non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// Canonical output is a fixed point.
		var again interface{}
		if err := json.Unmarshal(b1, &again); err != nil {
			t.Fatalf("JCS output is not valid JSON: %s", b1)
		}
		eq, err := Equal(v, again)
		if err != nil {
			t.Fatal(err)
		}
		if !eq {
			t.Errorf("canonical form not stable under re-encoding: %s", b1)
		}
	})
}
