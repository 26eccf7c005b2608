package fixture

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/dgnsrekt/routeshot/internal/routes"
)

// GlobalName is the window property the early-execution script defines.
const GlobalName = "__ROUTESHOT_FIXTURE__"

// FlagsStorageKey is the localStorage key feature flags are mirrored into.
const FlagsStorageKey = "routeshot:flags"

// Payload is everything a page needs to render one route under a profile.
type Payload struct {
	ProfileID  string          `json:"profileId"`
	Route      string          `json:"route"`
	URLPath    string          `json:"urlPath"`
	State      json.RawMessage `json:"state"`
	GlobalName string          `json:"globalName"`
	Script     string          `json:"script"`
}

// NonSerializableFixtureError names the first value that cannot be encoded
// as JSON.
type NonSerializableFixtureError struct {
	Path   string
	Reason string
}

func (e *NonSerializableFixtureError) Error() string {
	return fmt.Sprintf("fixture value at %s is not JSON-serializable: %s", e.Path, e.Reason)
}

// Inject builds the payload for route under profile. It has no side effects.
func Inject(route routes.Descriptor, profile Profile) (Payload, error) {
	if err := Validate(profile); err != nil {
		return Payload{}, err
	}

	params := profile.Params[route.Path]
	doc := profile.stateDocument()
	routeParams := make(map[string]any, len(route.Params()))
	for _, name := range route.Params() {
		routeParams[name] = paramValue(params, name)
	}
	doc["route"] = map[string]any{"path": route.Path, "params": routeParams}

	state, err := json.Marshal(doc)
	if err != nil {
		return Payload{}, &NonSerializableFixtureError{Path: "$", Reason: err.Error()}
	}
	script, err := earlyScript(state)
	if err != nil {
		return Payload{}, err
	}

	return Payload{
		ProfileID:  profile.ID,
		Route:      route.Path,
		URLPath:    ResolvePath(route, params),
		State:      state,
		GlobalName: GlobalName,
		Script:     script,
	}, nil
}

// ResolvePath fills dynamic and catch-all segments with params. A missing
// value defaults to the parameter name.
func ResolvePath(route routes.Descriptor, params map[string]string) string {
	if len(route.Segments) == 0 {
		return "/"
	}
	parts := make([]string, 0, len(route.Segments))
	for _, seg := range route.Segments {
		switch seg.Kind {
		case routes.SegmentDynamic:
			parts = append(parts, url.PathEscape(paramValue(params, seg.Name)))
		case routes.SegmentCatchAll:
			for _, p := range strings.Split(strings.Trim(paramValue(params, seg.Name), "/"), "/") {
				parts = append(parts, url.PathEscape(p))
			}
		default:
			parts = append(parts, seg.Name)
		}
	}
	return "/" + strings.Join(parts, "/")
}

func paramValue(params map[string]string, name string) string {
	if v := strings.TrimSpace(params[name]); v != "" {
		return v
	}
	return name
}

const scriptTemplate = `(function () {
  var state = JSON.parse(%s);
  Object.defineProperty(window, %q, { value: Object.freeze(state), writable: false, configurable: false });
  try { window.localStorage.setItem(%q, JSON.stringify(state.featureFlags)); } catch (e) {}
})();`

func earlyScript(state []byte) (string, error) {
	literal, err := json.Marshal(string(state))
	if err != nil {
		return "", fmt.Errorf("fixture script: %w", err)
	}
	return fmt.Sprintf(scriptTemplate, literal, GlobalName, FlagsStorageKey), nil
}

// Validate walks the profile state and reports the first value that JSON
// cannot represent: functions, channels, complex numbers, non-finite floats,
// unsupported map keys and reference cycles.
func Validate(p Profile) error {
	w := walker{visiting: make(map[uintptr]bool)}
	if p.Auth.User != nil {
		if err := w.walk("authState.user", reflect.ValueOf(p.Auth.User)); err != nil {
			return err
		}
	}
	return w.walk("globalState", reflect.ValueOf(p.GlobalState))
}

type walker struct {
	visiting map[uintptr]bool
}

func (w walker) walk(path string, v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Func:
		return &NonSerializableFixtureError{Path: path, Reason: "function"}
	case reflect.Chan:
		return &NonSerializableFixtureError{Path: path, Reason: "channel"}
	case reflect.Complex64, reflect.Complex128:
		return &NonSerializableFixtureError{Path: path, Reason: "complex number"}
	case reflect.UnsafePointer:
		return &NonSerializableFixtureError{Path: path, Reason: "unsafe pointer"}
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &NonSerializableFixtureError{Path: path, Reason: "non-finite number"}
		}
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(path, v.Elem())
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return w.enter(path, v.Pointer(), func() error { return w.walk(path, v.Elem()) })
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		switch v.Type().Key().Kind() {
		case reflect.String, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return &NonSerializableFixtureError{Path: path, Reason: "map key of type " + v.Type().Key().String()}
		}
		return w.enter(path, v.Pointer(), func() error {
			keys := v.MapKeys()
			sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
			for _, k := range keys {
				if err := w.walk(path+"."+fmt.Sprint(k), v.MapIndex(k)); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		return w.enter(path, v.Pointer(), func() error { return w.walkElems(path, v) })
	case reflect.Array:
		return w.walkElems(path, v)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == "-" {
				continue
			} else if tag != "" {
				name = tag
			}
			if err := w.walk(path+"."+name, v.Field(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w walker) walkElems(path string, v reflect.Value) error {
	for i := 0; i < v.Len(); i++ {
		if err := w.walk(fmt.Sprintf("%s[%d]", path, i), v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

// enter marks ptr as on the current path while fn runs; seeing it again
// before fn returns means the value refers to itself.
func (w walker) enter(path string, ptr uintptr, fn func() error) error {
	if w.visiting[ptr] {
		return &NonSerializableFixtureError{Path: path, Reason: "reference cycle"}
	}
	w.visiting[ptr] = true
	defer delete(w.visiting, ptr)
	return fn()
}
