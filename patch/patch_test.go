package patch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/errors"
)

type record struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Tags  []string `json:"tags,omitempty"`
	Owner *struct {
		Email string `json:"email"`
	} `json:"owner,omitempty"`
}

func TestApply(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		doc     string
		patches []Patch
		want    string
		prev    []string
		next    []string
	}{
		{
			name:    "set existing field",
			doc:     `{"id":"1","name":"Acme"}`,
			patches: []Patch{Set("name", "Beta")},
			want:    `{"id":"1","name":"Beta"}`,
			prev:    []string{`"Acme"`},
			next:    []string{`"Beta"`},
		},
		{
			name:    "set nested creates parents",
			doc:     `{"id":"1"}`,
			patches: []Patch{Set("owner.email", "a@b.c")},
			want:    `{"id":"1","owner":{"email":"a@b.c"}}`,
			prev:    []string{""},
			next:    []string{`"a@b.c"`},
		},
		{
			name:    "array index",
			doc:     `{"tags":["x","y"]}`,
			patches: []Patch{Set("tags.1", "z")},
			want:    `{"tags":["x","z"]}`,
			prev:    []string{`"y"`},
			next:    []string{`"z"`},
		},
		{
			name:    "remove field",
			doc:     `{"id":"1","name":"Acme"}`,
			patches: []Patch{Unset("name")},
			want:    `{"id":"1"}`,
			prev:    []string{`"Acme"`},
			next:    []string{""},
		},
		{
			name:    "patches apply in order",
			doc:     `{"name":"a"}`,
			patches: []Patch{Set("name", "b"), Set("name", "c")},
			want:    `{"name":"c"}`,
			prev:    []string{`"a"`, `"b"`},
			next:    []string{`"b"`, `"c"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := []byte(tt.doc)
			out, ops, err := Apply(original, tt.patches, at, false)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
			assert.Equal(t, tt.doc, string(original), "input must not change")

			require.Len(t, ops, len(tt.patches))
			for i, op := range ops {
				assert.Equal(t, tt.prev[i], string(op.Prev))
				assert.Equal(t, tt.next[i], string(op.Next))
				assert.Equal(t, at, op.At)
			}
		})
	}
}

func TestApply_Errors(t *testing.T) {
	_, _, err := Apply([]byte(`not json`), []Patch{Set("a", 1)}, time.Now(), false)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, _, err = Apply([]byte(`{}`), []Patch{Set("", 1)}, time.Now(), false)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, _, err = Apply([]byte(`{}`), []Patch{Set("a", json.RawMessage(`{bad`))}, time.Now(), false)
	assert.Error(t, err)
}

func TestApply_LocalFlag(t *testing.T) {
	_, ops, err := Apply([]byte(`{}`), []Patch{Set("name", "x")}, time.Now(), true)
	require.NoError(t, err)
	assert.True(t, ops[0].Local)
}

func TestOperation_InverseRestores(t *testing.T) {
	doc := []byte(`{"id":"1","name":"Acme"}`)
	out, ops, err := Apply(doc, []Patch{Set("name", "Beta"), Set("owner.email", "x@y.z")}, time.Now(), false)
	require.NoError(t, err)

	for i := len(ops) - 1; i >= 0; i-- {
		out, _, err = Apply(out, []Patch{ops[i].Inverse()}, time.Now(), false)
		require.NoError(t, err)
	}
	assert.JSONEq(t, `{"id":"1","name":"Acme","owner":{}}`, string(out))
}

func TestReplay(t *testing.T) {
	_, ops, err := Apply([]byte(`{"name":"a"}`), []Patch{Set("name", "local")}, time.Now(), true)
	require.NoError(t, err)

	rebased, err := Replay([]byte(`{"name":"server","stage":"LIVE"}`), ops)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local","stage":"LIVE"}`, string(rebased))
}

func TestReplay_MatchesApply(t *testing.T) {
	base := []byte(`{"id":"1","name":"Acme","tags":["a"]}`)
	patches := []Patch{
		Set("name", "Beta"),
		Set("tags", []string{"a", "b"}),
		Set("owner.email", "ops@acme.test"),
		Unset("tags"),
	}

	applied, ops, err := Apply(base, patches, time.Now(), false)
	require.NoError(t, err)
	replayed, err := Replay(base, ops)
	require.NoError(t, err)

	want, err := Decode[record](applied)
	require.NoError(t, err)
	got, err := Decode[record](replayed)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replay differs from apply (-want +got):\n%s", diff)
	}
}

func TestCodec(t *testing.T) {
	r := record{ID: "1", Name: "Acme", Tags: []string{"a"}}

	cp, err := Clone(r)
	require.NoError(t, err)
	assert.Equal(t, r, cp)

	cp.Tags[0] = "changed"
	assert.Equal(t, "a", r.Tags[0], "clone must not alias slices")

	_, err = Decode[record]([]byte(`{"id":1`))
	assert.True(t, errors.IsInvalid(err))
}

func TestValidator(t *testing.T) {
	v, err := NewValidator(`{
		"type": "object",
		"required": ["id", "name"],
		"properties": {
			"id": {"type": "string"},
			"name": {"type": "string", "minLength": 1}
		}
	}`)
	require.NoError(t, err)

	assert.NoError(t, v.Validate([]byte(`{"id":"1","name":"Acme"}`)))

	err = v.Validate([]byte(`{"id":"1","name":""}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "name")

	var nilValidator *Validator
	assert.NoError(t, nilValidator.Validate([]byte(`{}`)))

	_, err = NewValidator(`{"type":`)
	assert.Error(t, err)
}
