// Package observability provides the batch service's OpenTelemetry metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrImage   = "image"
	attrState   = "state"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func imageAttr(image string) attribute.KeyValue {
	return attribute.String(attrImage, image)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job and batch ids with placeholders to bound cardinality.
//
//	/jobs/abc/log -> /jobs/{id}/log
//	/batches/xyz  -> /batches/{id}
func normalizePath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		return path
	}
	switch parts[0] {
	case "jobs":
		if parts[1] == "create" {
			return path
		}
	case "batches":
		if parts[1] == "create" {
			return path
		}
	default:
		return path
	}
	parts[1] = "{id}"
	return "/" + strings.Join(parts, "/")
}
