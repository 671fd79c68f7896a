package identifiers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Hello World":  "Hello_World",
		"a*b":          "a_b",
		"  spaces  ":   "spaces",
		"123abc":       "c123abc",
		"__x__":        "x",
		"héllo":        "h_llo",
		"!!!":          "",
		"Already_Fine": "Already_Fine",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "Sanitize(%q)", in)
	}
}

func TestPickTableIdent(t *testing.T) {
	avoid := map[string]bool{"People": true, "Table1": true}
	assert.Equal(t, "People2", PickTableIdent("people", avoid))
	assert.Equal(t, "Orders", PickTableIdent("orders", avoid))
	assert.Equal(t, "Table2", PickTableIdent("", avoid))
	assert.Equal(t, "Table2", PickTableIdent("###", avoid))
}

func TestPickColIdent(t *testing.T) {
	avoid := map[string]bool{"name": true, "A": true}
	assert.Equal(t, "name2", PickColIdent("name", avoid))
	assert.Equal(t, "B", PickColIdent("", avoid))
	assert.Equal(t, "a_b", PickColIdent("a*b", avoid))
}

func TestPickColIdentList(t *testing.T) {
	got := PickColIdentList([]string{"x", "x", "", ""}, map[string]bool{"id": true})
	assert.Equal(t, []string{"x", "x2", "A", "B"}, got)
}
