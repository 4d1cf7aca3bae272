package parser

import "fmt"

// UnrecognizedExtensionError means no MIME type maps the path's extension.
type UnrecognizedExtensionError struct {
	Ext string
}

func (e *UnrecognizedExtensionError) Error() string {
	if e.Ext == "" {
		return "missing extension"
	}
	return fmt.Sprintf("unrecognized extension: %s", e.Ext)
}

// MissingLanguageSupportError means the language was identified but no
// parser is registered for it.
type MissingLanguageSupportError struct {
	Language string
}

func (e *MissingLanguageSupportError) Error() string {
	return fmt.Sprintf("unsupported language: %s", e.Language)
}

// UnparsableCodeError means every backend for the language rejected the
// blob. The URL points a human at the offending commit.
type UnparsableCodeError struct {
	Language string
	URL      string
	Reason   string
}

func (e *UnparsableCodeError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown reason"
	}
	return fmt.Sprintf("%s - (%s)", e.URL, reason)
}
