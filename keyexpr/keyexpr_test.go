package keyexpr

import (
	"testing"
	"time"
)

type menu struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	OpenTime time.Time `json:"openTime"`
}

type company struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Menus         []menu   `json:"menus"`
	ThirdPartyIDs []int64  `json:"thirdPartyIds"`
	Tags          []string `json:"tags"`
	Nested        *company `json:"nested,omitempty"`
}

func TestResolve(t *testing.T) {
	open := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	c := company{
		ID:   "c1",
		Name: "Acme",
		Menus: []menu{
			{ID: "1", Name: "breakfast", OpenTime: open},
			{ID: "2", Name: "lunch"},
			{ID: "", Name: "secret"},
		},
		ThirdPartyIDs: []int64{123, 456, 789},
		Nested:        &company{Name: "Sub"},
	}
	args := map[string]any{
		"company": c,
		"id":      42,
		"name":    "ada",
		"flag":    true,
		"nothing": nil,
	}

	cases := []struct {
		name, tpl, want string
	}{
		{"literal only", "users:all", "users:all"},
		{"scalar int", "{id}", "42"},
		{"scalar string", "user:{name}:profile", "user:ada:profile"},
		{"bool", "{flag}", "true"},
		{"null", "{nothing}", ""},
		{"unknown arg", "x:{missing}:y", "x::y"},
		{"property", "{company:name}", "Acme"},
		{"case insensitive property", "{company:NAME}", "Acme"},
		{"index then property", "{company:menus:1:name}", "lunch"},
		{"time renders canonically", "{company:menus:0:openTime}", open.Format(time.RFC3339Nano)},
		{"projection", "{company:menus:id:all}", "1,2"},
		{"projection of names", "{company:menus:name:all}", "breakfast,lunch,secret"},
		{"bare all", "{company:all}", ""},
		{"name then all only", "{id:all}", ""},
		{"collection of objects", "{company:menus}", ""},
		{"collection of scalars", "{company:thirdPartyIds}", "123,456,789"},
		{"empty collection", "{company:tags}", ""},
		{"object has no scalar form", "{company}", ""},
		{"nested pointer", "{company:nested:name}", "Sub"},
		{"out of range index", "{company:menus:9:name}", ""},
		{"negative index", "{company:menus:-1:name}", ""},
		{"missing field", "{company:menus:0:price}", ""},
		{"path through scalar", "{name:first}", ""},
		{"projection over non-list", "{company:name:id:all}", ""},
		{"multiple placeholders", "c:{company:id}:m:{company:menus:0:id}", "c:c1:m:1"},
		{"repeated placeholder", "{id}-{id}", "42-42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.tpl, args); got != tc.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tc.tpl, got, tc.want)
			}
		})
	}
}

func TestResolveMapArgs(t *testing.T) {
	args := map[string]any{
		"c": map[string]any{
			"menus": []map[string]any{{"id": "1"}, {"id": "2"}},
		},
	}
	if got := Resolve("{c:menus:id:all}", args); got != "1,2" {
		t.Fatalf("got %q", got)
	}
	if got := Resolve("{c:menus}", args); got != "" {
		t.Fatalf("collection should resolve empty, got %q", got)
	}
}

func TestResolveNilArgs(t *testing.T) {
	if got := Resolve("a:{b}", nil); got != "a:" {
		t.Fatalf("got %q", got)
	}
}

func TestKey(t *testing.T) {
	args := map[string]any{"id": "7"}
	if got := Key("user", "{id}", args); got != "user:7" {
		t.Fatalf("got %q", got)
	}
	if got := Key("", "{id}", args); got != "7" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveUnmarshalableArgIsUnknown(t *testing.T) {
	args := map[string]any{"ch": make(chan int), "id": 1}
	if got := Resolve("{ch}:{id}", args); got != ":1" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveCaseFoldIsDeterministic(t *testing.T) {
	args := map[string]any{"u": map[string]any{"Name": "b", "NAME": "a", "nAmE": "c"}}
	for i := 0; i < 50; i++ {
		if got := Resolve("{u:name}", args); got != "a" {
			t.Fatalf("run %d: got %q want %q", i, got, "a")
		}
	}
	if got := Resolve("{u:Name}", args); got != "b" {
		t.Fatalf("exact match should win, got %q", got)
	}
}
