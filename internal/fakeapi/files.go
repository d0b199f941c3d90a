package fakeapi

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type ownerView struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type fileView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Owner           ownerView `json:"owner"`
	File            string    `json:"file"`
	FileSize        int64     `json:"file_size"`
	FileHash        string    `json:"file_hash"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
	SharedWithCount int       `json:"shared_with_count"`
	DownloadURL     string    `json:"download_url"`
}

// view renders f for r. s.mu must be held.
func (s *Server) view(r *http.Request, f *storedFile) fileView {
	owner := s.usersByID[f.OwnerID]
	fullName := owner.FullName
	if fullName == "" {
		fullName = owner.Email
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := scheme + "://" + r.Host
	return fileView{
		ID:              f.ID,
		Name:            f.Name,
		Owner:           ownerView{ID: strconv.FormatInt(owner.ID, 10), Email: owner.Email, FullName: fullName},
		File:            base + "/media/encrypted_files/" + f.ID,
		FileSize:        int64(len(f.Data)),
		FileHash:        f.Hash,
		CreatedAt:       f.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
		UpdatedAt:       f.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
		SharedWithCount: len(f.shares),
		DownloadURL:     base + "/api/files/files/" + f.ID + "/download/",
	}
}

func (f *storedFile) sharedWith(userID int64) *share {
	for _, sh := range f.shares {
		if sh.userID == userID {
			return sh
		}
	}
	return nil
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me := s.currentUser(r)

	out := []fileView{}
	// Newest first.
	for i := len(s.fileOrder) - 1; i >= 0; i-- {
		f := s.files[s.fileOrder[i]]
		if f.OwnerID == me.ID || f.sharedWith(me.ID) != nil {
			out = append(out, s.view(r, f))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxFileSize+multipartInRAM)
	if err := r.ParseMultipartForm(multipartInRAM); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid multipart body: " + err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file was submitted"})
		return
	}
	defer file.Close()

	saltB64 := r.PostFormValue("encryption_salt")
	nonceB64 := r.PostFormValue("encryption_nonce")
	if saltB64 == "" || nonceB64 == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Encryption metadata missing"})
		return
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "encryption_salt is not valid base64"})
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "encryption_nonce is not valid base64"})
		return
	}

	if header.Size > MaxFileSize {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"file": {fmt.Sprintf("File size cannot exceed %.1fMB", float64(MaxFileSize)/(1<<20))},
		})
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(AllowedExtensions, ext) {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"file": {"File type not supported. Allowed types: " + strings.Join(AllowedExtensions, ", ")},
		})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	sum := sha256.Sum256(data)
	name := r.PostFormValue("name")
	if name == "" {
		name = header.Filename
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	f := &storedFile{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   s.currentUser(r).ID,
		Data:      data,
		Salt:      salt,
		Nonce:     nonce,
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.files[f.ID] = f
	s.fileOrder = append(s.fileOrder, f.ID)
	writeJSON(w, http.StatusCreated, s.view(r, f))
}

// lookupFile resolves the fileID URL parameter and checks the caller may
// read it. s.mu must be held. On failure the response is already written.
func (s *Server) lookupFile(w http.ResponseWriter, r *http.Request, me *account) (*storedFile, bool) {
	f, found := s.files[chi.URLParam(r, "fileID")]
	if !found {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return nil, false
	}
	if f.OwnerID != me.ID && f.sharedWith(me.ID) == nil {
		writeDetail(w, http.StatusForbidden, "You don't have permission to access this file")
		return nil, false
	}
	return f, true
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.lookupFile(w, r, s.currentUser(r))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(r, f))
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me := s.currentUser(r)
	f, ok := s.lookupFile(w, r, me)
	if !ok {
		return
	}
	if f.OwnerID != me.ID {
		writeDetail(w, http.StatusForbidden, "Only the file owner can delete files")
		return
	}
	delete(s.files, f.ID)
	s.fileOrder = slices.DeleteFunc(s.fileOrder, func(id string) bool { return id == f.ID })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	me := s.currentUser(r)
	f, ok := s.lookupFile(w, r, me)
	if !ok {
		s.mu.Unlock()
		return
	}
	if sh := f.sharedWith(me.ID); sh != nil {
		sh.accessCount++
	}
	data := append([]byte(nil), f.Data...)
	name := f.Name
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type shareRequest struct {
	UserID    *int64  `json:"user_id"`
	ExpiresAt *string `json:"expires_at"`
}

func (s *Server) shareFile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[shareRequest](w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	me := s.currentUser(r)
	f, found := s.files[chi.URLParam(r, "fileID")]
	if !found {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	if f.OwnerID != me.ID {
		writeDetail(w, http.StatusForbidden, "Only the file owner can share files")
		return
	}
	if req.UserID == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	target, found := s.usersByID[*req.UserID]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	if f.sharedWith(target.ID) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "File already shared with this user"})
		return
	}
	sh := &share{userID: target.ID, sharedBy: me.ID, createdAt: s.now()}
	if req.ExpiresAt != nil {
		sh.expiresAt = *req.ExpiresAt
	}
	f.shares = append(f.shares, sh)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "File shared successfully",
		"shared_with": map[string]any{
			"user_id":   target.ID,
			"email":     target.Email,
			"full_name": target.FullName,
		},
	})
}
