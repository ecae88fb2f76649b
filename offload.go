package depproxy

import (
	"net/http"

	"github.com/google/uuid"
)

// Instruction types consumed by the external transfer helper.
const (
	// InstructionSendDependency tells the helper to stream a remote URL
	// to the client, sending the given headers upstream.
	InstructionSendDependency = "send-dependency"

	// InstructionSendFile tells the helper to stream a local file to the
	// client.
	InstructionSendFile = "send-file"
)

// Instruction describes where the transfer helper must stream bytes
// from, so the proxy process never buffers blob content itself.
type Instruction struct {
	Type   string      `json:"-"`
	URL    string      `json:"Url,omitempty"`
	Header http.Header `json:"Header,omitempty"`
	Path   string      `json:"Path,omitempty"`
}

// UploadAuthorization names where the helper must place inbound upload
// bytes before the proxy commits them to the cache.
type UploadAuthorization struct {
	ID          string `json:"ID"`
	TempPath    string `json:"TempPath"`
	MaximumSize int64  `json:"MaximumSize,omitempty"`
}

// Offloader is the capability interface to the external high-throughput
// transfer helper. Implementations only build instructions; executing
// them is the helper's job. A test double can satisfy the interface by
// performing the copy in process.
type Offloader interface {
	// SendDependency instructs the helper to relay url to the client
	// with the given request headers.
	SendDependency(header http.Header, url string) Instruction

	// SendFile instructs the helper to stream a cached file to the
	// client.
	SendFile(path string) Instruction

	// AuthorizeUpload names a temp location for an inbound upload.
	AuthorizeUpload(tempDir string, maxSize int64) UploadAuthorization
}

// HelperOffloader builds instructions for the out-of-process transfer
// helper.
type HelperOffloader struct{}

// SendDependency implements Offloader.
func (HelperOffloader) SendDependency(header http.Header, url string) Instruction {
	return Instruction{Type: InstructionSendDependency, Header: header, URL: url}
}

// SendFile implements Offloader.
func (HelperOffloader) SendFile(path string) Instruction {
	return Instruction{Type: InstructionSendFile, Path: path}
}

// AuthorizeUpload implements Offloader.
func (HelperOffloader) AuthorizeUpload(tempDir string, maxSize int64) UploadAuthorization {
	return UploadAuthorization{
		ID:          uuid.NewString(),
		TempPath:    tempDir,
		MaximumSize: maxSize,
	}
}
