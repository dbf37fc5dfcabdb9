// Package s2s implements server-to-server album import (spec §4.11): a
// peer client for fetching invite summaries and downloading remote
// files, an invite-token verifier, and the ImportAlbumItem job handler
// that drives them.
package s2s

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const requestTimeout = 30 * time.Second

// InviteClaims is the claim set carried by an album invitation JWT
// (spec §6): iss names the issuing peer's public_url, sub the invited
// album's id, sharer_username the inviter.
type InviteClaims struct {
	SharerUsername string `json:"sharer_username"`
	jwt.RegisteredClaims
}

// Client talks to a peer photopipeline instance over plain HTTP(S).
type Client struct {
	http          *http.Client
	sharedSecret  []byte
}

// NewClient returns a Client that verifies invite tokens against
// sharedSecret and downloads with a bounded per-request timeout.
func NewClient(sharedSecret string) *Client {
	return &Client{
		http:         &http.Client{Timeout: requestTimeout},
		sharedSecret: []byte(sharedSecret),
	}
}

// VerifyInviteToken parses and validates tokenString, checking signature
// and expiry. The iss claim, once verified, is the peer's address for
// subsequent calls — the token cannot be forged to point import traffic
// at an unintended host because tampering invalidates the signature.
func (c *Client) VerifyInviteToken(tokenString string) (*InviteClaims, error) {
	var claims InviteClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("s2s: unexpected signing method %v", t.Header["alg"])
		}
		return c.sharedSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("s2s: verifying invite token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("s2s: invite token failed validation")
	}
	return &claims, nil
}

// AlbumInviteSummary is the peer's description of the album an invite
// token grants access to.
type AlbumInviteSummary struct {
	AlbumID int64                    `json:"album_id"`
	Name    string                   `json:"name"`
	Items   []AlbumInviteSummaryItem `json:"items"`
}

// AlbumInviteSummaryItem names one file within the shared album.
type AlbumInviteSummaryItem struct {
	RelativePath string `json:"relative_path"`
}

// GetAlbumInviteSummary asks peerURL for the album an invite token
// describes.
func (c *Client) GetAlbumInviteSummary(ctx context.Context, peerURL, token string) (*AlbumInviteSummary, error) {
	endpoint, err := url.JoinPath(peerURL, "s2s", "albums", "invite-summary")
	if err != nil {
		return nil, fmt.Errorf("s2s: building invite-summary URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("s2s: building invite-summary request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("s2s: requesting invite summary from %s: %w", peerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("s2s: peer %s returned %d for invite summary", peerURL, resp.StatusCode)
	}

	var summary AlbumInviteSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("s2s: decoding invite summary from %s: %w", peerURL, err)
	}
	return &summary, nil
}

// DownloadRemoteFile streams remoteRelativePath from peerURL into
// destDir, honoring a Content-Disposition filename when the peer sends
// one and falling back to remoteRelativePath's basename otherwise. The
// body is written to a temp file in destDir, fsynced, and renamed into
// place so a crash mid-download never leaves a partial file under its
// final name. Returns the filename the download landed at.
func (c *Client) DownloadRemoteFile(ctx context.Context, peerURL, token, remoteRelativePath, destDir string) (string, error) {
	endpoint, err := url.JoinPath(peerURL, "s2s", "files")
	if err != nil {
		return "", fmt.Errorf("s2s: building download URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("s2s: building download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	q := req.URL.Query()
	q.Set("path", remoteRelativePath)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("s2s: downloading %s from %s: %w", remoteRelativePath, peerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("s2s: peer %s returned %d downloading %s", peerURL, resp.StatusCode, remoteRelativePath)
	}

	filename := filepath.Base(remoteRelativePath)
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name, ok := params["filename"]; ok && name != "" {
				filename = filepath.Base(name)
			}
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("s2s: creating %s: %w", destDir, err)
	}

	tmp, err := os.CreateTemp(destDir, ".s2s-download-*")
	if err != nil {
		return "", fmt.Errorf("s2s: creating temp file in %s: %w", destDir, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("s2s: writing download body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("s2s: fsyncing download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("s2s: closing download: %w", err)
	}

	destPath := filepath.Join(destDir, filename)
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("s2s: renaming download into place: %w", err)
	}
	return filename, nil
}
