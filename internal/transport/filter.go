// internal/transport/filter.go
package transport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const filterTimeout = 100 * time.Millisecond

// FilterEvaluator runs capture filters. A filter is a JavaScript expression
// evaluated against a `request` object with method, host, port, path, url,
// isTls, body and headers (lower-cased names, first value), for example:
//
//	request.host.endsWith("example.com") && request.method !== "OPTIONS"
type FilterEvaluator struct {
	mu       sync.Mutex
	programs map[string]*goja.Program
}

func NewFilterEvaluator() *FilterEvaluator {
	return &FilterEvaluator{programs: make(map[string]*goja.Program)}
}

// Compile checks that filter is a valid expression.
func (f *FilterEvaluator) Compile(filter string) error {
	_, err := f.program(filter)
	return err
}

// Evaluate reports whether req passes filter. An empty filter passes everything.
func (f *FilterEvaluator) Evaluate(filter string, req *types.HTTPRequest) (bool, error) {
	if strings.TrimSpace(filter) == "" {
		return true, nil
	}

	prog, err := f.program(filter)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	if err := vm.Set("request", requestObject(req)); err != nil {
		return false, err
	}

	timer := time.AfterFunc(filterTimeout, func() {
		vm.Interrupt("filter timed out")
	})
	defer timer.Stop()

	result, err := vm.RunProgram(prog)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return false, fmt.Errorf("filter timed out after %s", filterTimeout)
		}
		return false, fmt.Errorf("filter failed: %w", err)
	}
	return result.ToBoolean(), nil
}

func (f *FilterEvaluator) program(filter string) (*goja.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prog, ok := f.programs[filter]; ok {
		return prog, nil
	}

	prog, err := goja.Compile("filter", "("+filter+"\n)", false)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	f.programs[filter] = prog
	return prog, nil
}

func requestObject(req *types.HTTPRequest) map[string]interface{} {
	headers := make(map[string]interface{}, len(req.Header))
	for name, values := range req.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	return map[string]interface{}{
		"method":  req.Method,
		"host":    req.Host,
		"port":    req.Port,
		"path":    req.Path,
		"url":     req.URL(),
		"isTls":   req.IsTLS,
		"body":    string(req.Body),
		"headers": headers,
	}
}
