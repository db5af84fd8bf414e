package catalog

import (
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/types"
)

// Input runs the text input function of oid.
func (c *Catalog) Input(oid types.Oid, text string) (types.Datum, error) {
	t, err := c.Type(oid)
	if err != nil {
		return types.Datum{}, err
	}
	switch t.Category {
	case Base, Enum:
		return t.in(text)
	case Domain:
		d, err := c.Input(t.BaseOid, text)
		if err != nil {
			return types.Datum{}, err
		}
		return d, c.CheckDomain(oid, types.NotNull(d))
	case Composite:
		return c.recordIn(t, text)
	case Array:
		return c.arrayIn(t, text)
	default:
		if t.in != nil {
			return t.in(text)
		}
		return types.Datum{}, &types.UnsupportedTypeError{Oid: oid, Name: t.Name, Reason: "pseudo-type has no input function"}
	}
}

// Output runs the text output function of oid.
func (c *Catalog) Output(oid types.Oid, d types.Datum) (string, error) {
	t, err := c.Type(oid)
	if err != nil {
		return "", err
	}
	switch t.Category {
	case Base, Enum:
		return t.out(d)
	case Domain:
		return c.Output(t.BaseOid, d)
	case Composite:
		return c.recordOut(t, d)
	case Array:
		return c.arrayOut(t, d)
	default:
		if t.out != nil {
			return t.out(d)
		}
		return "", &types.UnsupportedTypeError{Oid: oid, Name: t.Name, Reason: "pseudo-type has no output function"}
	}
}

// CheckDomain applies the constraints of every domain on the way down from oid.
// It accepts any non-domain type unchanged.
func (c *Catalog) CheckDomain(oid types.Oid, v types.NullableDatum) error {
	for {
		t, err := c.Type(oid)
		if err != nil {
			return err
		}
		if t.Category != Domain {
			return nil
		}
		if v.IsNull {
			if t.NotNull {
				return &DomainError{Domain: t.Name, Reason: "does not allow null values", Code: pgerrcode.NotNullViolation}
			}
		} else if t.Check != nil {
			if err := t.Check(v.Value); err != nil {
				return &DomainError{Domain: t.Name, Reason: err.Error(), Code: pgerrcode.CheckViolation}
			}
		}
		oid = t.BaseOid
	}
}

func (c *Catalog) recordOut(t *TypeInfo, d types.Datum) (string, error) {
	tup, err := types.ExpandTuple(d, t.RelDesc)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, v := range tup.Values() {
		if i > 0 {
			sb.WriteByte(',')
		}
		if v.IsNull {
			continue
		}
		s, err := c.Output(t.RelDesc.Attr(i).TypeOid, v.Value)
		if err != nil {
			return "", err
		}
		writeQuoted(&sb, s, needsRecordQuote(s))
	}
	sb.WriteByte(')')
	return sb.String(), nil
}

func (c *Catalog) recordIn(t *TypeInfo, text string) (types.Datum, error) {
	s := strings.TrimSpace(text)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return types.Datum{}, &InvalidInputError{TypeName: t.Name, Input: text, Err: fmt.Errorf("missing parentheses")}
	}
	fields, err := splitFields(s[1:len(s)-1], ',', false)
	if err != nil {
		return types.Datum{}, &InvalidInputError{TypeName: t.Name, Input: text, Err: err}
	}
	if len(fields) != t.RelDesc.NumAttrs() {
		return types.Datum{}, &InvalidInputError{
			TypeName: t.Name, Input: text,
			Err: fmt.Errorf("got %d columns, want %d", len(fields), t.RelDesc.NumAttrs()),
		}
	}
	values := make([]types.NullableDatum, len(fields))
	for i, f := range fields {
		if f == nil {
			values[i] = types.Null
			continue
		}
		d, err := c.Input(t.RelDesc.Attr(i).TypeOid, *f)
		if err != nil {
			return types.Datum{}, err
		}
		values[i] = types.NotNull(d)
	}
	tup, err := types.NewTuple(t.RelDesc, values...)
	if err != nil {
		return types.Datum{}, &InvalidInputError{TypeName: t.Name, Input: text, Err: err}
	}
	return types.FlattenTuple(tup)
}

func (c *Catalog) arrayOut(t *TypeInfo, d types.Datum) (string, error) {
	_, values, err := types.ExpandArray(d)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		if v.IsNull {
			sb.WriteString("NULL")
			continue
		}
		s, err := c.Output(t.ElemOid, v.Value)
		if err != nil {
			return "", err
		}
		writeQuoted(&sb, s, needsArrayQuote(s))
	}
	sb.WriteByte('}')
	return sb.String(), nil
}

func (c *Catalog) arrayIn(t *TypeInfo, text string) (types.Datum, error) {
	s := strings.TrimSpace(text)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return types.Datum{}, &InvalidInputError{TypeName: t.Name, Input: text, Err: fmt.Errorf("missing braces")}
	}
	var values []types.NullableDatum
	if inner := strings.TrimSpace(s[1 : len(s)-1]); inner != "" {
		elems, err := splitFields(inner, ',', true)
		if err != nil {
			return types.Datum{}, &InvalidInputError{TypeName: t.Name, Input: text, Err: err}
		}
		values = make([]types.NullableDatum, len(elems))
		for i, e := range elems {
			if e == nil {
				values[i] = types.Null
				continue
			}
			d, err := c.Input(t.ElemOid, *e)
			if err != nil {
				return types.Datum{}, err
			}
			values[i] = types.NotNull(d)
		}
	}
	return types.FlattenArray(t.ElemOid, values)
}

func needsRecordQuote(s string) bool {
	return s == "" || strings.ContainsAny(s, "\"\\(),' \t\n")
}

func needsArrayQuote(s string) bool {
	return s == "" || strings.EqualFold(s, "NULL") || strings.ContainsAny(s, "{}\"\\, \t\n")
}

func writeQuoted(sb *strings.Builder, s string, quote bool) {
	if !quote {
		sb.WriteString(s)
		return
	}
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
}

// splitFields splits composite or array literal contents. A nil entry is a
// null: an empty unquoted field for records, an unquoted NULL for arrays.
// Nested braces are not supported, arrays are one-dimensional.
func splitFields(s string, sep byte, array bool) ([]*string, error) {
	var (
		out     []*string
		cur     strings.Builder
		quoted  bool
		inQuote bool
	)
	flush := func() {
		v := cur.String()
		switch {
		case quoted:
			out = append(out, &v)
		case array && strings.EqualFold(strings.TrimSpace(v), "NULL"):
			out = append(out, nil)
		case !array && v == "":
			out = append(out, nil)
		default:
			if array {
				v = strings.TrimSpace(v)
			}
			out = append(out, &v)
		}
		cur.Reset()
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("unexpected end of input after backslash")
			}
			i++
			cur.WriteByte(s[i])
		case ch == '"':
			if inQuote && !array && i+1 < len(s) && s[i+1] == '"' {
				cur.WriteByte('"')
				i++
				continue
			}
			if !inQuote && strings.TrimSpace(cur.String()) == "" {
				cur.Reset()
			}
			inQuote = !inQuote
			quoted = true
		case ch == sep && !inQuote:
			flush()
		case array && !inQuote && (ch == '{' || ch == '}'):
			return nil, fmt.Errorf("multidimensional arrays are not supported")
		case quoted && !inQuote && (ch == ' ' || ch == '\t' || ch == '\n'):
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	flush()
	return out, nil
}
