package server

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"pdftranslate-server/internal/orchestrator"
	"pdftranslate-server/internal/types"
)

// parseRequest reads the optional form fields of a submission. Empty fields
// fall through to the server defaults.
func parseRequest(form map[string][]string) (orchestrator.Request, error) {
	get := func(key string) string {
		if v := form[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	var req orchestrator.Request
	var err error

	if req.LangIn, err = parseLang("lang_in", get("lang_in")); err != nil {
		return req, err
	}
	if req.LangOut, err = parseLang("lang_out", get("lang_out")); err != nil {
		return req, err
	}

	if raw := get("qps"); raw != "" {
		qps, convErr := strconv.Atoi(raw)
		if convErr != nil || qps <= 0 {
			return req, types.NewAppErrorWithDetails(types.ErrValidation, "qps must be a positive integer", raw, convErr)
		}
		req.QPS = qps
	}

	if req.NoDual, err = parseBool("no_dual", get("no_dual")); err != nil {
		return req, err
	}
	if req.NoMono, err = parseBool("no_mono", get("no_mono")); err != nil {
		return req, err
	}

	if raw := get("watermark_output_mode"); raw != "" {
		if req.WatermarkMode, err = types.ParseWatermarkMode(raw); err != nil {
			return req, err
		}
	}
	return req, nil
}

// parseLang checks that value is a BCP 47 tag and returns it unchanged.
func parseLang(field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := language.Parse(value); err != nil {
		return "", types.NewAppErrorWithDetails(types.ErrValidation, "invalid "+field, value, err)
	}
	return value, nil
}

// parseBool accepts the usual form spellings of a boolean and nothing else.
func parseBool(field, value string) (*bool, error) {
	if value == "" {
		return nil, nil
	}
	var b bool
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "t", "y":
		b = true
	case "false", "0", "no", "off", "f", "n":
		b = false
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrValidation, "invalid "+field, value, nil)
	}
	return &b, nil
}
