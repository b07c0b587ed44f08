package nn

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

var (
	// ErrNotFound is returned by lookups that match no module.
	ErrNotFound = errors.New("nn: module not found")
	// ErrAmbiguous is returned by FindUnique when several modules match.
	ErrAmbiguous = errors.New("nn: more than one module matches")
	// ErrNotChild is returned when a module is not a direct child of the given parent.
	ErrNotChild = errors.New("nn: module is not a child of parent")
	// ErrStateDict reports missing or unexpected keys while loading weights.
	ErrStateDict = errors.New("nn: state dict mismatch")
)

// Module is a node of a computation tree. Every module knows the container
// it currently sits in, so the tree can be navigated in both directions.
type Module interface {
	Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Parent() Container
	setParent(Container)
}

// Container is a Module that owns ordered, named child slots.
type Container interface {
	Module
	Layers() *Layers
}

// Stateful modules contribute their own tensors to a state dict. The
// tensors are stored by reference.
type Stateful interface {
	StateDict(prefix string, state map[string]*tensor.Tensor)
}

// Copier modules can produce a detached copy of themselves. Leaves share
// their weight tensors with the copy; containers return an empty shell that
// StructuralCopy refills.
type Copier interface {
	ShallowCopy() Module
}

// Base carries the parent back-reference. Embed it in every module.
type Base struct {
	parent Container
}

func (b *Base) Parent() Container { return b.parent }

func (b *Base) setParent(p Container) { b.parent = p }

func (b *Base) Parameters() []*tensor.Tensor { return nil }

// Composite is the embeddable half of a Container: it stores the child slots
// and aggregates their parameters. The embedding type provides Forward.
type Composite struct {
	Base
	layers Layers
}

func (c *Composite) Layers() *Layers { return &c.layers }

func (c *Composite) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range c.layers.mods {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Layers is an ordered list of named child slots.
type Layers struct {
	names []string
	mods  []Module
}

func (l *Layers) Len() int { return len(l.mods) }

func (l *Layers) Names() []string { return append([]string(nil), l.names...) }

// At returns the child at index i; negative indices count from the end.
func (l *Layers) At(i int) Module {
	if i < 0 {
		i += len(l.mods)
	}
	if i < 0 || i >= len(l.mods) {
		return nil
	}
	return l.mods[i]
}

// Get returns the child in slot name, or nil.
func (l *Layers) Get(name string) Module {
	if i := l.indexName(name); i >= 0 {
		return l.mods[i]
	}
	return nil
}

// Forward runs the child in slot name.
func (l *Layers) Forward(ctx *Context, name string, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	m := l.Get(name)
	if m == nil {
		return nil, fmt.Errorf("%w: slot %q", ErrNotFound, name)
	}
	return m.Forward(ctx, inputs...)
}

func (l *Layers) indexName(name string) int {
	for i, n := range l.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (l *Layers) indexOf(m Module) int {
	for i, c := range l.mods {
		if c == m {
			return i
		}
	}
	return -1
}

func (l *Layers) add(name string, m Module) {
	l.names = append(l.names, name)
	l.mods = append(l.mods, m)
}

func (l *Layers) removeAt(i int) Module {
	m := l.mods[i]
	l.names = append(l.names[:i:i], l.names[i+1:]...)
	l.mods = append(l.mods[:i:i], l.mods[i+1:]...)
	return m
}

// LayerAs returns the child in slot name of c converted to T.
func LayerAs[T Module](c Container, name string) (T, error) {
	var zero T
	m := c.Layers().Get(name)
	if m == nil {
		return zero, fmt.Errorf("%w: slot %q in %T", ErrNotFound, name, c)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("nn: slot %q holds %T, want %T", name, m, zero)
	}
	return t, nil
}

// Attach appends m to owner under name and makes owner its parent.
// An empty name uses the slot index.
func Attach(owner Container, name string, m Module) {
	l := owner.Layers()
	if name == "" {
		name = fmt.Sprintf("%d", l.Len())
	}
	l.add(name, m)
	m.setParent(owner)
}

// Pop removes and returns the last child of owner.
func Pop(owner Container) (Module, error) {
	l := owner.Layers()
	if l.Len() == 0 {
		return nil, fmt.Errorf("%w: pop from empty %T", ErrNotFound, owner)
	}
	m := l.removeAt(l.Len() - 1)
	if m.Parent() == owner {
		m.setParent(nil)
	}
	return m, nil
}

// Replace swaps old for replacement in the same slot of parent. The
// replacement's parent becomes parent; old loses its parent pointer only if
// it still points at parent, so a module that was re-homed first keeps its
// new parent.
func Replace(parent Container, old, replacement Module) error {
	l := parent.Layers()
	i := l.indexOf(old)
	if i < 0 {
		return fmt.Errorf("%w: %T in %T", ErrNotChild, old, parent)
	}
	l.mods[i] = replacement
	replacement.setParent(parent)
	if old.Parent() == parent {
		old.setParent(nil)
	}
	return nil
}

// Remove detaches m from parent.
func Remove(parent Container, m Module) error {
	l := parent.Layers()
	i := l.indexOf(m)
	if i < 0 {
		return fmt.Errorf("%w: %T in %T", ErrNotChild, m, parent)
	}
	l.removeAt(i)
	if m.Parent() == parent {
		m.setParent(nil)
	}
	return nil
}

// Walk visits root and all of its descendants in depth-first pre-order.
func Walk(root Module, fn func(Module)) {
	fn(root)
	if c, ok := root.(Container); ok {
		for _, child := range c.Layers().mods {
			Walk(child, fn)
		}
	}
}

// Filter returns every module under root (root included) matching pred, in
// traversal order.
func Filter(root Module, pred func(Module) bool) []Module {
	var out []Module
	Walk(root, func(m Module) {
		if pred(m) {
			out = append(out, m)
		}
	})
	return out
}

// FindUnique returns the single module under root matching pred.
func FindUnique(root Module, pred func(Module) bool) (Module, error) {
	matches := Filter(root, pred)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w under %T", ErrNotFound, root)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %d matches under %T", ErrAmbiguous, len(matches), root)
	}
}

// FindParent returns the container holding m, searching upward from m and
// checking that the chain of parents reaches root.
func FindParent(root Module, m Module) (Container, error) {
	parent := m.Parent()
	if parent == nil {
		return nil, fmt.Errorf("%w: %T has no parent", ErrNotFound, m)
	}
	if parent.Layers().indexOf(m) < 0 {
		return nil, fmt.Errorf("%w: stale parent of %T", ErrNotChild, m)
	}
	for node := Module(parent); node != nil; node = node.Parent() {
		if node == root {
			return parent, nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not under %T", ErrNotFound, m, root)
}

// StructuralCopy returns a copy of the tree rooted at m. Containers are
// duplicated so the copy can be edited independently; leaves are copied
// shallowly and keep sharing weight tensors with the original.
func StructuralCopy(m Module) (Module, error) {
	cp, ok := m.(Copier)
	if !ok {
		return nil, fmt.Errorf("nn: %T cannot be copied", m)
	}
	out := cp.ShallowCopy()
	out.setParent(nil)
	src, ok := m.(Container)
	if !ok {
		return out, nil
	}
	dst, ok := out.(Container)
	if !ok {
		return nil, fmt.Errorf("nn: copy of container %T is %T", m, out)
	}
	for i, child := range src.Layers().mods {
		c, err := StructuralCopy(child)
		if err != nil {
			return nil, err
		}
		Attach(dst, src.Layers().names[i], c)
	}
	return dst, nil
}

// Describe renders the structure of the tree rooted at m, one module per
// line. Two trees with the same description have the same topology.
func Describe(m Module) string {
	var sb strings.Builder
	describe(&sb, "", m, 0)
	return sb.String()
}

// Describer modules render their own configuration for Describe.
type Describer interface {
	Describe() string
}

func describe(sb *strings.Builder, name string, m Module, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	if name != "" {
		sb.WriteString(name)
		sb.WriteString(": ")
	}
	if d, ok := m.(Describer); ok {
		sb.WriteString(d.Describe())
	} else {
		fmt.Fprintf(sb, "%T", m)
	}
	sb.WriteByte('\n')
	if c, ok := m.(Container); ok {
		l := c.Layers()
		for i, child := range l.mods {
			describe(sb, l.names[i], child, depth+1)
		}
	}
}

// StateDict collects the weights of the tree rooted at m keyed by dotted
// slot paths. Wrappers are transparent: their target's keys are unchanged.
func StateDict(m Module) map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	collectState(m, "", state)
	return state
}

func collectState(m Module, prefix string, state map[string]*tensor.Tensor) {
	if w, ok := m.(Wrapper); ok {
		collectState(w.Target(), prefix, state)
		return
	}
	if s, ok := m.(Stateful); ok {
		s.StateDict(prefix, state)
	}
	if c, ok := m.(Container); ok {
		l := c.Layers()
		for i, child := range l.mods {
			collectState(child, joinPrefix(prefix, l.names[i]), state)
		}
	}
}

// CheckStateDict reports whether state can be loaded into m: the keys must
// match exactly and every tensor must have the shape of its slot.
func CheckStateDict(m Module, state map[string]*tensor.Tensor) error {
	expected := StateDict(m)
	var missing, unexpected []string
	for k := range expected {
		if _, ok := state[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range state {
		if _, ok := expected[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrStateDict, sortedStrings(missing), sortedStrings(unexpected))
	}
	for _, k := range slices.Sorted(maps.Keys(expected)) {
		if !tensor.SameShape(expected[k], state[k]) {
			return fmt.Errorf("load %s: %w: %v, want %v", k, tensor.ErrShape, state[k].Shape(), expected[k].Shape())
		}
	}
	return nil
}

// LoadStateDict copies state into the weights of m. Every key of m must be
// present in state and state must not hold extra keys. Nothing is written
// unless every shape matches. Values are rounded to the dtype of the
// receiving tensor.
func LoadStateDict(m Module, state map[string]*tensor.Tensor) error {
	if err := CheckStateDict(m, state); err != nil {
		return err
	}
	for k, dst := range StateDict(m) {
		if err := tensor.CopyInto(dst, state[k]); err != nil {
			return fmt.Errorf("load %s: %w", k, err)
		}
	}
	return nil
}

// To moves every parameter of m to device and dtype.
func To(m Module, device string, dtype tensor.DType) {
	for _, p := range m.Parameters() {
		p.To(device, dtype)
	}
}

// Placement reports the device and dtype of the first parameter of m, or
// the engine defaults when m has none.
func Placement(m Module) (string, tensor.DType) {
	if params := m.Parameters(); len(params) > 0 {
		return params[0].Device(), params[0].DType()
	}
	return tensor.DefaultDevice, tensor.Float32
}

func SaveModule(path string, mod Module) error {
	if mod == nil {
		return errors.New("SaveModule requires non-nil module")
	}
	state := StateDict(mod)
	if len(state) == 0 {
		return errors.New("module has no state to save")
	}
	return tensor.SaveTensors(path, state)
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}

func sortedStrings(s []string) []string {
	slices.Sort(s)
	return s
}
