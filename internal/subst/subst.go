// Package subst implements the $(var) / $(var[n]) template substitution
// language used for mailbox path templates, SQL query templates, and LDAP
// filter templates.
package subst

import (
	"fmt"
	"strconv"
	"strings"
)

// Error reports a substitution failure together with the byte offset in
// the template at which it occurred.
type Error struct {
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("substitution error at offset %d: %s", e.Offset, e.Msg)
}

// Expand substitutes every $(name) or $(name[index]) occurrence in spec
// using the values supplied in vars. index may be negative to count from
// the end of the value (-1 is the last character). A name absent from vars
// is an error; Expand never silently drops a reference.
func Expand(spec string, vars map[string]string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(spec) {
		start := strings.Index(spec[i:], "$(")
		if start < 0 {
			out.WriteString(spec[i:])
			break
		}
		start += i
		out.WriteString(spec[i:start])

		name, index, hasIndex, end, err := parseRef(spec, start)
		if err != nil {
			return "", err
		}

		val, ok := vars[name]
		if !ok {
			return "", &Error{Offset: start, Msg: fmt.Sprintf("unknown variable %q", name)}
		}

		if !hasIndex {
			out.WriteString(val)
		} else {
			ch, err := indexInto(val, index, start)
			if err != nil {
				return "", err
			}
			out.WriteByte(ch)
		}

		i = end
	}
	return out.String(), nil
}

// parseRef parses a $(name) or $(name[index]) reference starting at spec[start].
// Returns the variable name, the index (if any), whether an index was present,
// and the offset immediately after the closing ")".
func parseRef(spec string, start int) (name string, index int, hasIndex bool, end int, err error) {
	rest := spec[start+2:]

	nameEnd := strings.IndexAny(rest, "[)")
	if nameEnd < 0 {
		return "", 0, false, 0, &Error{Offset: start, Msg: "unterminated variable reference"}
	}
	name = rest[:nameEnd]
	if name == "" {
		return "", 0, false, 0, &Error{Offset: start, Msg: "empty variable name"}
	}

	if rest[nameEnd] == ')' {
		return name, 0, false, start + 2 + nameEnd + 1, nil
	}

	// rest[nameEnd] == '['
	closeBracket := strings.IndexByte(rest[nameEnd:], ']')
	if closeBracket < 0 {
		return "", 0, false, 0, &Error{Offset: start, Msg: "unterminated index"}
	}
	closeBracket += nameEnd

	idxStr := rest[nameEnd+1 : closeBracket]
	idx, convErr := strconv.Atoi(idxStr)
	if convErr != nil {
		return "", 0, false, 0, &Error{Offset: start + 2 + nameEnd, Msg: fmt.Sprintf("invalid index %q", idxStr)}
	}

	if closeBracket+1 >= len(rest) || rest[closeBracket+1] != ')' {
		return "", 0, false, 0, &Error{Offset: start, Msg: "expected ')' after index"}
	}

	return name, idx, true, start + 2 + closeBracket + 2, nil
}

func indexInto(val string, idx int, refOffset int) (byte, error) {
	off := idx
	if off < 0 {
		off += len(val)
	}
	if off < 0 || off >= len(val) {
		return 0, &Error{Offset: refOffset, Msg: fmt.Sprintf("index %d out of range for value of length %d", idx, len(val))}
	}
	return val[off], nil
}
