package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAP reads messages over IMAP/IMAPS. Identifiers have the form
// "<uidvalidity>:<uid>" so they stay stable across sessions.
type IMAP struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger

	client      *imapclient.Client
	folder      string
	uidValidity uint32
}

// NewIMAP creates a new IMAP receiver.
func NewIMAP(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *IMAP {
	return &IMAP{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
	}
}

// Authenticate dials the server and logs in. A session left from an earlier
// run is closed first.
func (r *IMAP) Authenticate(_ context.Context) error {
	if r.client != nil {
		r.Close()
	}
	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))

	var client *imapclient.Client
	var err error
	if r.useTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: r.host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := client.Login(r.username, r.password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("imap login %s: %w", r.username, err)
	}

	r.client = client
	r.logger.Debug("imap session established", "host", r.host, "user", r.username)
	return nil
}

// List selects folder and returns the newest max messages by UID.
func (r *IMAP) List(_ context.Context, folder string, max int) ([]MessageRef, error) {
	if r.client == nil {
		return nil, fmt.Errorf("imap list: not authenticated")
	}
	if folder == "" {
		folder = "INBOX"
	}

	selected, err := r.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", folder, err)
	}
	r.folder = folder
	r.uidValidity = selected.UIDValidity

	searchData, err := r.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := searchData.AllUIDs()
	refs := make([]MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, MessageRef{ID: fmt.Sprintf("%d:%d", r.uidValidity, uid)})
	}

	r.logger.Debug("imap listed messages", "folder", folder, "count", len(refs))
	return truncate(newestFirst(refs), max), nil
}

// Get fetches the full message without setting \Seen.
func (r *IMAP) Get(_ context.Context, id string) (RawMessage, error) {
	if r.client == nil {
		return RawMessage{}, fmt.Errorf("imap fetch: not authenticated")
	}

	uid, err := r.parseID(id)
	if err != nil {
		return RawMessage{}, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := r.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	buffers, err := fetchCmd.Collect()
	if err != nil {
		return RawMessage{}, fmt.Errorf("imap fetch %s: %w", id, err)
	}
	if len(buffers) == 0 {
		return RawMessage{}, fmt.Errorf("imap fetch %s: message not found", id)
	}

	content := buffers[0].FindBodySection(bodySection)
	if len(content) == 0 {
		return RawMessage{}, fmt.Errorf("imap fetch %s: empty body", id)
	}
	return RawMessage{ID: id, Raw: content}, nil
}

func (r *IMAP) parseID(id string) (imap.UID, error) {
	validity, uid, ok := strings.Cut(id, ":")
	if !ok {
		return 0, fmt.Errorf("imap: malformed message id %q", id)
	}
	if validity != strconv.FormatUint(uint64(r.uidValidity), 10) {
		return 0, fmt.Errorf("imap: message id %q belongs to another UIDVALIDITY", id)
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imap: malformed uid in %q: %w", id, err)
	}
	return imap.UID(n), nil
}

// Close logs out and closes the connection.
func (r *IMAP) Close() error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Logout().Wait(); err != nil {
		r.logger.Debug("imap logout failed", "error", err)
	}
	err := r.client.Close()
	r.client = nil
	return err
}
