package manager

import "fmt"

// Dispatcher maps a logical method name to the worker tool that implements it
// and reshapes the arguments the tool expects. One dispatcher is registered
// per server id; the manager never hard-codes method names.
type Dispatcher interface {
	Resolve(method string, params map[string]interface{}) (tool string, args map[string]interface{}, err error)
}

// Binding ties one logical method to a tool name and an optional argument
// transform. A nil Transform passes the params through unchanged.
type Binding struct {
	Tool      string
	Transform func(params map[string]interface{}) map[string]interface{}
}

// MethodMap is the table-driven Dispatcher most adapters use.
type MethodMap struct {
	bindings map[string]Binding
}

// NewMethodMap creates a dispatcher from a method→binding table.
func NewMethodMap(bindings map[string]Binding) *MethodMap {
	table := make(map[string]Binding, len(bindings))
	for method, b := range bindings {
		table[method] = b
	}
	return &MethodMap{bindings: table}
}

// Resolve implements Dispatcher.
func (m *MethodMap) Resolve(method string, params map[string]interface{}) (string, map[string]interface{}, error) {
	b, ok := m.bindings[method]
	if !ok {
		return "", nil, fmt.Errorf("no tool bound to method %q", method)
	}
	if b.Transform != nil {
		params = b.Transform(params)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return b.Tool, params, nil
}

// Methods returns the logical method names this map serves.
func (m *MethodMap) Methods() []string {
	out := make([]string, 0, len(m.bindings))
	for method := range m.bindings {
		out = append(out, method)
	}
	return out
}

// Passthrough is the identity dispatcher: the method name is the tool name
// and the params are the arguments.
type Passthrough struct{}

// Resolve implements Dispatcher.
func (Passthrough) Resolve(method string, params map[string]interface{}) (string, map[string]interface{}, error) {
	if method == "" {
		return "", nil, fmt.Errorf("method name is required")
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return method, params, nil
}

var (
	_ Dispatcher = (*MethodMap)(nil)
	_ Dispatcher = Passthrough{}
)
