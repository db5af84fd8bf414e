package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/plbridge/plbridge/types"
)

// Category classifies a catalog type the way the backend's typtype column does.
type Category uint8

const (
	Base Category = iota
	Composite
	Enum
	Domain
	Array
	Pseudo
)

func (c Category) String() string {
	switch c {
	case Base:
		return "base"
	case Composite:
		return "composite"
	case Enum:
		return "enum"
	case Domain:
		return "domain"
	case Array:
		return "array"
	case Pseudo:
		return "pseudo"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// TypeInfo is one row of the type catalog.
type TypeInfo struct {
	Oid      types.Oid
	Name     string
	Category Category
	// ByValue types are carried as a word or float Datum, the rest as bytes.
	ByValue bool
	// ElemOid is the element type of an array type.
	ElemOid types.Oid
	// ArrayOid is the array type over this type, if one exists.
	ArrayOid types.Oid
	// BaseOid and NotNull describe a domain.
	BaseOid types.Oid
	NotNull bool
	Check   func(types.Datum) error
	// RelDesc is the column list of a composite type.
	RelDesc *types.TupleDesc
	// EnumLabels lists the labels of an enum in sort order.
	EnumLabels []string

	in  inputFunc
	out outputFunc
}

type (
	inputFunc  func(text string) (types.Datum, error)
	outputFunc func(d types.Datum) (string, error)
)

// Catalog holds types, relations, triggers and functions of one backend.
type Catalog struct {
	mtx       sync.RWMutex
	nextOid   types.Oid
	pgMtx     sync.Mutex
	pg        *pgtype.Map
	types     map[types.Oid]*TypeInfo
	typeNames map[string]types.Oid
	relations map[types.Oid]*RelationInfo
	relNames  map[string]types.Oid
	triggers  map[types.Oid][]*TriggerInfo
	functions map[types.Oid]*FunctionInfo
}

// New creates a catalog populated with the built-in types.
func New() *Catalog {
	c := &Catalog{
		nextOid:   types.FirstNormalOid,
		pg:        pgtype.NewMap(),
		types:     make(map[types.Oid]*TypeInfo),
		typeNames: make(map[string]types.Oid),
		relations: make(map[types.Oid]*RelationInfo),
		relNames:  make(map[string]types.Oid),
		triggers:  make(map[types.Oid][]*TriggerInfo),
		functions: make(map[types.Oid]*FunctionInfo),
	}
	c.bootstrap()
	return c
}

func (c *Catalog) allocOidLocked() types.Oid {
	oid := c.nextOid
	c.nextOid++
	return oid
}

func (c *Catalog) addTypeLocked(t *TypeInfo) {
	c.types[t.Oid] = t
	c.typeNames[t.Name] = t.Oid
}

// Type returns the catalog entry for oid, or an UnknownTypeError.
func (c *Catalog) Type(oid types.Oid) (*TypeInfo, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	t, ok := c.types[oid]
	if !ok {
		return nil, &types.UnknownTypeError{Oid: oid}
	}
	return t, nil
}

// TypeByName looks a type up by name. Array types answer to both "_int4"
// and "int4[]".
func (c *Catalog) TypeByName(name string) (*TypeInfo, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.HasSuffix(name, "[]") {
		name = "_" + strings.TrimSuffix(name, "[]")
	}
	oid, ok := c.typeNames[name]
	if !ok {
		return nil, fmt.Errorf("type %q does not exist", name)
	}
	return c.types[oid], nil
}

// BaseType follows domains down to the type that carries the data.
func (c *Catalog) BaseType(oid types.Oid) (*TypeInfo, error) {
	for range 32 {
		t, err := c.Type(oid)
		if err != nil {
			return nil, err
		}
		if t.Category != Domain {
			return t, nil
		}
		oid = t.BaseOid
	}
	return nil, fmt.Errorf("domain nesting of oid %d too deep", oid)
}

// CreateEnum defines an enum type and its array type.
func (c *Catalog) CreateEnum(name string, labels ...string) (*TypeInfo, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("enum %s needs at least one label", name)
	}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if seen[l] {
			return nil, fmt.Errorf("enum label %q used twice in %s", l, name)
		}
		seen[l] = true
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.checkNameLocked(name); err != nil {
		return nil, err
	}
	t := &TypeInfo{
		Oid:        c.allocOidLocked(),
		Name:       name,
		Category:   Enum,
		ByValue:    true,
		EnumLabels: append([]string(nil), labels...),
	}
	t.in, t.out = enumIO(t)
	c.addTypeLocked(t)
	c.addArrayLocked(t)
	return t, nil
}

// CreateComposite defines a free-standing composite type.
func (c *Catalog) CreateComposite(name string, attrs ...types.Attribute) (*TypeInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.createCompositeLocked(name, attrs)
}

func (c *Catalog) createCompositeLocked(name string, attrs []types.Attribute) (*TypeInfo, error) {
	if err := c.checkNameLocked(name); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("composite type %s has no columns", name)
	}
	for _, a := range attrs {
		if _, ok := c.types[a.TypeOid]; !ok {
			return nil, &types.UnknownTypeError{Oid: a.TypeOid}
		}
	}
	oid := c.allocOidLocked()
	t := &TypeInfo{
		Oid:      oid,
		Name:     name,
		Category: Composite,
		RelDesc:  types.NewTupleDesc(oid, attrs...),
	}
	c.addTypeLocked(t)
	c.addArrayLocked(t)
	return t, nil
}

// CreateDomain defines a domain over base. check may be nil.
func (c *Catalog) CreateDomain(name string, base types.Oid, notNull bool, check func(types.Datum) error) (*TypeInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.checkNameLocked(name); err != nil {
		return nil, err
	}
	bt, ok := c.types[base]
	if !ok {
		return nil, &types.UnknownTypeError{Oid: base}
	}
	if bt.Category == Pseudo {
		return nil, &types.UnsupportedTypeError{Oid: base, Name: bt.Name, Reason: "domains over pseudo-types are not allowed"}
	}
	t := &TypeInfo{
		Oid:      c.allocOidLocked(),
		Name:     name,
		Category: Domain,
		ByValue:  bt.ByValue,
		BaseOid:  base,
		NotNull:  notNull,
		Check:    check,
	}
	c.addTypeLocked(t)
	return t, nil
}

func (c *Catalog) checkNameLocked(name string) error {
	if name == "" {
		return fmt.Errorf("type name must not be empty")
	}
	if _, ok := c.typeNames[name]; ok {
		return fmt.Errorf("type %q already exists", name)
	}
	return nil
}

func (c *Catalog) addArrayLocked(elem *TypeInfo) {
	arr := &TypeInfo{
		Oid:      c.allocOidLocked(),
		Name:     "_" + elem.Name,
		Category: Array,
		ElemOid:  elem.Oid,
	}
	elem.ArrayOid = arr.Oid
	c.addTypeLocked(arr)
}

// DropType removes a user-defined type and its array type.
func (c *Catalog) DropType(oid types.Oid) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	t, ok := c.types[oid]
	if !ok {
		return &types.UnknownTypeError{Oid: oid}
	}
	if oid < types.FirstNormalOid {
		return fmt.Errorf("cannot drop built-in type %s", t.Name)
	}
	for _, rel := range c.relations {
		if rel.TypeOid == oid {
			return fmt.Errorf("type %s is the row type of relation %s", t.Name, rel.Name)
		}
	}
	delete(c.types, oid)
	delete(c.typeNames, t.Name)
	if arr, ok := c.types[t.ArrayOid]; ok && t.ArrayOid != types.InvalidOid {
		delete(c.types, arr.Oid)
		delete(c.typeNames, arr.Name)
	}
	return nil
}

// TypeOids lists every type Oid in ascending order.
func (c *Catalog) TypeOids() []types.Oid {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	oids := make([]types.Oid, 0, len(c.types))
	for oid := range c.types {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	return oids
}
