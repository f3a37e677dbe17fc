// Package peerproto implements the protocol two peers speak over a browse
// session.
//
// A message is a block of "field: value" lines ended by a blank line. The
// first line is always "operation: <op>". The block is base64 encoded and sent
// as one length-prefixed frame.
package peerproto

import "fmt"

type Operation string

const (
	OpClose       Operation = "close"
	OpDownload    Operation = "download"
	OpUpload      Operation = "upload"
	OpServedFiles Operation = "servedFiles"
	OpError       Operation = "error"
)

// Message is one peer protocol message.
type Message interface {
	Operation() Operation
}

// ErrorCode classifies an Error reply.
type ErrorCode string

const (
	CodeNotFound    ErrorCode = "notfound"
	CodeUnsupported ErrorCode = "unsupported"
	CodeFailed      ErrorCode = "failed"
)

type Close struct{}

// Download asks for the content of the file with the given hash.
type Download struct {
	FileHash string
}

// Upload answers a Download with the raw file content.
type Upload struct {
	Content []byte
}

// ServedFiles with no names is a request; the reply lists the served names.
type ServedFiles struct {
	Names []string
}

// Error is the reply to a request the server could not satisfy.
type Error struct {
	Code   ErrorCode
	Reason string
}

func (Close) Operation() Operation       { return OpClose }
func (Download) Operation() Operation    { return OpDownload }
func (Upload) Operation() Operation      { return OpUpload }
func (ServedFiles) Operation() Operation { return OpServedFiles }
func (Error) Operation() Operation       { return OpError }

func (e Error) String() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}
