package at

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrArgType is returned by Set for arguments that have no AT encoding.
var ErrArgType = errors.New("unsupported AT argument type")

// Query returns the read form of a command, e.g. "AT+CIPMUX?".
func Query(cmd string) string {
	return cmd + CmdQueryMark
}

// Set returns the write form of a command with its arguments separated by
// commas. Strings are quoted with '"' and '\' escaped, integers and booleans
// are written in decimal.
//
//	Set(CmdJoinAP, "home", "secret") // AT+CWJAP_CUR="home","secret"
func Set(cmd string, args ...any) (string, error) {
	var sb strings.Builder
	sb.WriteString(cmd)
	for i, arg := range args {
		if i == 0 {
			sb.WriteByte('=')
		} else {
			sb.WriteByte(',')
		}
		switch a := arg.(type) {
		case string:
			sb.WriteByte('"')
			for k := 0; k < len(a); k++ {
				c := a[k]
				if c == '"' || c == '\\' || c == ',' {
					sb.WriteByte('\\')
				}
				sb.WriteByte(c)
			}
			sb.WriteByte('"')
		case int:
			sb.WriteString(strconv.Itoa(a))
		case bool:
			if a {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		default:
			return "", fmt.Errorf("%w: %T", ErrArgType, arg)
		}
	}
	return sb.String(), nil
}

// RecvAck returns the acknowledgement the peer sends after receiving n raw
// bytes of a send payload.
func RecvAck(n int) string {
	return fmt.Sprintf(RecvTemplate, n)
}

// Field extracts the value of a "+NAME:value" reply line from a captured
// reply body. It returns false if no line carries the prefix.
func Field(body, name string) (string, bool) {
	for _, line := range strings.Split(body, CRLF) {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), name+":"); ok {
			return v, true
		}
	}
	return "", false
}

// Unquote splits a comma separated list of possibly quoted values, undoing
// the escaping applied by Set.
func Unquote(list string) []string {
	var (
		out     []string
		sb      strings.Builder
		quoted  bool
		escaped bool
	)
	for i := 0; i < len(list); i++ {
		c := list[i]
		switch {
		case escaped:
			sb.WriteByte(c)
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(c)
		}
	}
	return append(out, sb.String())
}
