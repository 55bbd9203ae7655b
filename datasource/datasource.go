// Package datasource supplies request bodies for the bench command from
// a JSON-lines file: one object per line with "method", optional
// "headers" and "payload" fields.
package datasource

import (
	"bufio"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mailru/easyjson/jlexer"

	"github.com/rocketmux/rocketmux/frame"
)

type Request struct {
	Method  string
	Headers []frame.Header
	Payload []byte
}

// ParseRequest decodes one line without reflection; the bench hot path
// should not pay encoding/json prices.
func ParseRequest(line []byte) (Request, error) {
	var r Request
	in := jlexer.Lexer{Data: line}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeString()
		in.WantColon()
		switch key {
		case "method":
			r.Method = in.String()
		case "payload":
			r.Payload = []byte(in.String())
		case "headers":
			in.Delim('{')
			for !in.IsDelim('}') {
				name := in.String()
				in.WantColon()
				r.Headers = append(r.Headers, frame.Header{Name: name, Value: in.String()})
				in.WantComma()
			}
			in.Delim('}')
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	if err := in.Error(); err != nil {
		return Request{}, fmt.Errorf("parse request line: %w", err)
	}
	if r.Method == "" {
		return Request{}, fmt.Errorf("request line without method")
	}
	return r, nil
}

// LoadFile reads all request lines up front; a bench run cycles over them
// in memory.
func LoadFile(path string) ([]Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open requests file: %w", err)
	}
	defer f.Close()

	var reqs []Request
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r, err := ParseRequest(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		reqs = append(reqs, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read requests file: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("requests file %s is empty", path)
	}
	return reqs, nil
}

// Cyclic hands requests out in file order, wrapping around forever.
type Cyclic struct {
	reqs []Request
	next atomic.Uint64
}

func NewCyclic(reqs []Request) *Cyclic {
	return &Cyclic{reqs: reqs}
}

func (c *Cyclic) Fetch() Request {
	n := c.next.Add(1) - 1
	return c.reqs[n%uint64(len(c.reqs))]
}
