package job

import (
	"batch/internal/apperrors"
	"batch/pkg/model"
	"fmt"
	"net/url"
	"strings"
)

// Validation limits
const (
	maxAttrKeyLen   = 64
	maxAttrValueLen = 256
	maxAttrEntries  = 32
	maxContainers   = 16
	maxCallbackLen  = 2048
)

// validateJob checks a create request. Does not modify the request.
func validateJob(req *model.CreateJobRequest) error {
	if req.Spec == nil {
		return apperrors.Validation("spec", "spec is required")
	}
	if len(req.Spec.Containers) == 0 {
		return apperrors.Validation("spec.containers", "spec must have at least one container")
	}
	if len(req.Spec.Containers) > maxContainers {
		return apperrors.Validation("spec.containers", fmt.Sprintf("spec exceeds maximum of %d containers", maxContainers))
	}
	for i, c := range req.Spec.Containers {
		if c.Image == "" {
			return apperrors.Validation(fmt.Sprintf("spec.containers[%d].image", i), "image is required")
		}
	}

	if err := validateAttributes(req.Attributes); err != nil {
		return err
	}

	if req.Callback != "" {
		if len(req.Callback) > maxCallbackLen {
			return apperrors.Validation("callback", fmt.Sprintf("callback URL exceeds maximum length of %d", maxCallbackLen))
		}
		if err := validateURL(req.Callback); err != nil {
			return apperrors.Validation("callback", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}
	return nil
}

func validateAttributes(attrs map[string]string) error {
	if len(attrs) > maxAttrEntries {
		return apperrors.Validation("attributes", fmt.Sprintf("attributes exceed maximum of %d entries", maxAttrEntries))
	}
	for k, v := range attrs {
		if k == "" {
			return apperrors.Validation("attributes", "attribute key must not be empty")
		}
		if len(k) > maxAttrKeyLen {
			return apperrors.Validation("attributes", fmt.Sprintf("attribute key exceeds maximum length of %d", maxAttrKeyLen))
		}
		if len(v) > maxAttrValueLen {
			return apperrors.Validation("attributes", fmt.Sprintf("attribute value exceeds maximum length of %d", maxAttrValueLen))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
