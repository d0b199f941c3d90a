// Package files uploads, lists, downloads, shares and deletes encrypted
// files. Content is encrypted on this side before it is sent; the server
// only ever stores ciphertext together with the salt and nonce needed to
// decrypt it.
package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/crypto"
	"github.com/jmcleod/strongbox/gateway"
)

const (
	// DefaultMaxSize is the largest plaintext accepted for upload.
	DefaultMaxSize int64 = 100 << 20

	basePath   = "/api/files/files/"
	uploadPath = basePath + "upload/"
	sharePath  = basePath + "share/"

	progressChunk = 64 << 10
)

// AllowedExtensions lists the file types the server accepts.
var AllowedExtensions = []string{".pdf", ".doc", ".docx", ".txt", ".jpg", ".png"}

// Owner identifies the owner of a file.
type Owner struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// File is the server's metadata record for an uploaded file.
type File struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Owner           Owner     `json:"owner"`
	FileSize        int64     `json:"file_size"`
	FileHash        string    `json:"file_hash"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SharedWithCount int       `json:"shared_with_count"`
	DownloadURL     string    `json:"download_url"`

	// The server does not return these; Upload fills them in from the
	// payload it sent.
	EncryptionSalt  string `json:"encryption_salt,omitempty"`
	EncryptionNonce string `json:"encryption_nonce,omitempty"`
}

// ShareResult is the server's confirmation of a share.
type ShareResult struct {
	Message    string `json:"message"`
	SharedWith struct {
		UserID   int64  `json:"user_id"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
	} `json:"shared_with"`
}

// ProgressFunc receives the number of encrypted bytes staged for upload
// out of total.
type ProgressFunc func(sent, total int64)

// Service performs file operations through a gateway.
type Service struct {
	gw       *gateway.Gateway
	engine   *crypto.Engine
	maxSize  int64
	progress ProgressFunc
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEngine sets the encryption engine.
func WithEngine(e *crypto.Engine) Option {
	return func(s *Service) {
		s.engine = e
	}
}

// WithMaxSize sets the largest plaintext Upload accepts.
func WithMaxSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithProgress registers an upload progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Service) {
		s.progress = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a Service.
func New(gw *gateway.Gateway, opts ...Option) *Service {
	s := &Service{gw: gw, maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = crypto.NewEngine()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// baseName strips directories from name. It returns "" when nothing
// but separators or dots remains.
func baseName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	return base
}

// ValidateName checks that name has a supported extension.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &apierr.ValidationError{Field: "name", Message: "is required"}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(AllowedExtensions, ext) {
		return &apierr.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("type %q not supported; allowed types: %s", ext, strings.Join(AllowedExtensions, ", ")),
		}
	}
	return nil
}

func (s *Service) tooLarge() error {
	return &apierr.ValidationError{
		Field:   "file",
		Message: fmt.Sprintf("size exceeds %d bytes", s.maxSize),
	}
}

// Upload encrypts the content of r under a key derived from name and
// uploads it. size is the content length, or -1 if unknown. Name and size
// are checked before anything is read or sent.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader, size int64) (*File, error) {
	name = baseName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size > s.maxSize {
		return nil, s.tooLarge()
	}

	payload, err := s.engine.EncryptReader(io.LimitReader(r, s.maxSize+1), name)
	if err != nil {
		return nil, err
	}
	if int64(len(payload.Ciphertext)-crypto.TagSize) > s.maxSize {
		return nil, s.tooLarge()
	}

	body, contentType, err := s.multipartBody(name, payload)
	if err != nil {
		return nil, err
	}

	var f File
	if _, err := s.gw.Do(ctx, &gateway.Request{
		Method:      http.MethodPost,
		Path:        uploadPath,
		Body:        body,
		ContentType: contentType,
	}, &f); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}
	f.EncryptionSalt = payload.Salt
	f.EncryptionNonce = payload.Nonce
	s.logger.Info("file uploaded",
		slog.String("file_id", f.ID),
		slog.Int("bytes", len(payload.Ciphertext)))
	return &f, nil
}

// multipartBody stages the upload form: the ciphertext as the file part
// followed by the salt, nonce and display name.
func (s *Service) multipartBody(name string, p *crypto.Payload) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("building upload form: %w", err)
	}
	total := int64(len(p.Ciphertext))
	for off := int64(0); off < total; off += progressChunk {
		end := min(off+progressChunk, total)
		if _, err := part.Write(p.Ciphertext[off:end]); err != nil {
			return nil, "", fmt.Errorf("building upload form: %w", err)
		}
		if s.progress != nil {
			s.progress(end, total)
		}
	}
	if total == 0 && s.progress != nil {
		s.progress(0, 0)
	}

	fields := [][2]string{
		{"encryption_salt", p.Salt},
		{"encryption_nonce", p.Nonce},
		{"name", name},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("building upload form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("building upload form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &apierr.ValidationError{Field: "id", Message: "is required"}
	}
	return nil
}

// List returns the files owned by or shared with the signed-in user,
// newest first.
func (s *Service) List(ctx context.Context) ([]File, error) {
	var out []File
	if _, err := s.gw.Do(ctx, &gateway.Request{Method: http.MethodGet, Path: basePath}, &out); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return out, nil
}

// Get returns the metadata of one file.
func (s *Service) Get(ctx context.Context, id string) (*File, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var f File
	if _, err := s.gw.Do(ctx, &gateway.Request{Method: http.MethodGet, Path: basePath + url.PathEscape(id) + "/"}, &f); err != nil {
		return nil, fmt.Errorf("fetching file %s: %w", id, err)
	}
	return &f, nil
}

// Download returns the stored ciphertext of a file.
func (s *Service) Download(ctx context.Context, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	resp, err := s.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   basePath + url.PathEscape(id) + "/download/",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading file %s: %w", id, err)
	}
	return resp.Body, nil
}

// DownloadDecrypted downloads a file and decrypts it with the name it was
// uploaded under and the salt and nonce recorded at upload. An
// authentication failure is returned as a *crypto.DecryptionError and
// must not be retried.
func (s *Service) DownloadDecrypted(ctx context.Context, id, name, salt, nonce string) ([]byte, error) {
	ciphertext, err := s.Download(ctx, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.engine.Decrypt(ciphertext, salt, nonce, baseName(name))
	if err != nil {
		s.logger.Warn("downloaded file failed integrity check", slog.String("file_id", id))
		return nil, err
	}
	return plaintext, nil
}

// Share grants userID access to a file the signed-in user owns.
func (s *Service) Share(ctx context.Context, id string, userID int64) (*ShareResult, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if userID <= 0 {
		return nil, &apierr.ValidationError{Field: "user_id", Message: "must be a positive user ID"}
	}
	req, err := gateway.NewJSONRequest(http.MethodPost, sharePath+url.PathEscape(id), map[string]int64{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var out ShareResult
	if _, err := s.gw.Do(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("sharing file %s: %w", id, err)
	}
	return &out, nil
}

// Delete removes a file the signed-in user owns.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if _, err := s.gw.Do(ctx, &gateway.Request{
		Method: http.MethodDelete,
		Path:   basePath + url.PathEscape(id) + "/",
	}, nil); err != nil {
		return fmt.Errorf("deleting file %s: %w", id, err)
	}
	s.logger.Info("file deleted", slog.String("file_id", id))
	return nil
}
