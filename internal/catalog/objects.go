package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plbridge/plbridge/types"
)

// RelationInfo is a table. Its row type is a composite type of the same name.
type RelationInfo struct {
	Oid     types.Oid
	Name    string
	TypeOid types.Oid
	Desc    *types.TupleDesc
}

// TriggerInfo binds a trigger function to a relation.
type TriggerInfo struct {
	Name     string
	Relation types.Oid
	Function types.Oid
	// Events holds the operations and the timing the trigger fires for.
	Events types.TriggerEvent
	Args   []string
}

// Fires reports whether the trigger fires for one operation bit at the given
// timing and level.
func (t *TriggerInfo) Fires(op, timing types.TriggerEvent, row bool) bool {
	if t.Events&op == 0 || t.Events&timing == 0 {
		return false
	}
	return t.Events.IsRow() == row
}

// FunctionInfo is one row of the function catalog.
type FunctionInfo struct {
	Oid      types.Oid
	Schema   string
	Name     string
	ArgNames []string
	ArgTypes []types.Oid
	RetType  types.Oid
	// RetSet marks a set-returning function.
	RetSet bool
	// Strict functions return null without being called when any argument is null.
	Strict bool
	// Trusted functions run in the trusted language and may only use bundles
	// whose permissions are all trusted.
	Trusted bool
	// Src names the implementing method as "Class.method".
	Src string
	// ParamClasses optionally names, per argument, a class registered with the
	// type registry. An empty entry uses the default for the argument's Oid.
	ParamClasses []string
	RetClass     string
}

// QualifiedName returns schema.name.
func (f *FunctionInfo) QualifiedName() string {
	if f.Schema == "" {
		return f.Name
	}
	return f.Schema + "." + f.Name
}

// SplitSrc returns the class and method parts of Src.
func (f *FunctionInfo) SplitSrc() (class, method string, err error) {
	i := strings.LastIndexByte(f.Src, '.')
	if i <= 0 || i == len(f.Src)-1 {
		return "", "", fmt.Errorf("function %s: implementation %q is not of the form Class.method", f.QualifiedName(), f.Src)
	}
	return f.Src[:i], f.Src[i+1:], nil
}

// CreateRelation defines a table and its row type.
func (c *Catalog) CreateRelation(name string, attrs ...types.Attribute) (*RelationInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.relNames[name]; ok {
		return nil, fmt.Errorf("relation %q already exists", name)
	}
	rowType, err := c.createCompositeLocked(name, attrs)
	if err != nil {
		return nil, err
	}
	rel := &RelationInfo{
		Oid:     c.allocOidLocked(),
		Name:    name,
		TypeOid: rowType.Oid,
		Desc:    rowType.RelDesc,
	}
	c.relations[rel.Oid] = rel
	c.relNames[name] = rel.Oid
	return rel, nil
}

func (c *Catalog) Relation(oid types.Oid) (*RelationInfo, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	rel, ok := c.relations[oid]
	if !ok {
		return nil, fmt.Errorf("relation with oid %d does not exist", oid)
	}
	return rel, nil
}

func (c *Catalog) RelationByName(name string) (*RelationInfo, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	oid, ok := c.relNames[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	return c.relations[oid], nil
}

// CreateTrigger records a trigger. The caller validates the function.
func (c *Catalog) CreateTrigger(tg TriggerInfo) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.relations[tg.Relation]; !ok {
		return fmt.Errorf("relation with oid %d does not exist", tg.Relation)
	}
	if _, ok := c.functions[tg.Function]; !ok {
		return fmt.Errorf("function with oid %d does not exist", tg.Function)
	}
	for _, existing := range c.triggers[tg.Relation] {
		if existing.Name == tg.Name {
			return fmt.Errorf("trigger %q for relation %d already exists", tg.Name, tg.Relation)
		}
	}
	list := append(c.triggers[tg.Relation], &tg)
	// triggers of one relation fire in name order
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	c.triggers[tg.Relation] = list
	return nil
}

func (c *Catalog) DropTrigger(relation types.Oid, name string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	list := c.triggers[relation]
	for i, tg := range list {
		if tg.Name == name {
			c.triggers[relation] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("trigger %q for relation %d does not exist", name, relation)
}

// Triggers returns the triggers of a relation that fire for op at the given
// timing and level.
func (c *Catalog) Triggers(relation types.Oid, op, timing types.TriggerEvent, row bool) []*TriggerInfo {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	var out []*TriggerInfo
	for _, tg := range c.triggers[relation] {
		if tg.Fires(op, timing, row) {
			out = append(out, tg)
		}
	}
	return out
}

// CreateFunction assigns an Oid and records f. Argument and return types must exist.
func (c *Catalog) CreateFunction(f FunctionInfo) (*FunctionInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, oid := range append([]types.Oid{f.RetType}, f.ArgTypes...) {
		if _, ok := c.types[oid]; !ok {
			return nil, &types.UnknownTypeError{Oid: oid}
		}
	}
	if len(f.ParamClasses) > len(f.ArgTypes) {
		return nil, fmt.Errorf("function %s: %d parameter classes for %d arguments", f.QualifiedName(), len(f.ParamClasses), len(f.ArgTypes))
	}
	for _, existing := range c.functions {
		if existing.Schema == f.Schema && existing.Name == f.Name && sameOids(existing.ArgTypes, f.ArgTypes) {
			return nil, fmt.Errorf("function %s already exists with the same argument types", f.QualifiedName())
		}
	}
	f.Oid = c.allocOidLocked()
	f.ArgTypes = append([]types.Oid(nil), f.ArgTypes...)
	c.functions[f.Oid] = &f
	return &f, nil
}

func (c *Catalog) Function(oid types.Oid) (*FunctionInfo, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	f, ok := c.functions[oid]
	if !ok {
		return nil, fmt.Errorf("function with oid %d does not exist", oid)
	}
	return f, nil
}

// LookupFunction finds a function by schema, name and exact argument types.
func (c *Catalog) LookupFunction(schema, name string, argTypes ...types.Oid) (*FunctionInfo, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	for _, f := range c.functions {
		if f.Schema == schema && f.Name == name && sameOids(f.ArgTypes, argTypes) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("function %s.%s%v does not exist", schema, name, argTypes)
}

// DropFunction removes a function. Triggers still using it are refused.
func (c *Catalog) DropFunction(oid types.Oid) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	f, ok := c.functions[oid]
	if !ok {
		return fmt.Errorf("function with oid %d does not exist", oid)
	}
	for _, list := range c.triggers {
		for _, tg := range list {
			if tg.Function == oid {
				return fmt.Errorf("function %s is used by trigger %s", f.QualifiedName(), tg.Name)
			}
		}
	}
	delete(c.functions, oid)
	return nil
}

func sameOids(a, b []types.Oid) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
