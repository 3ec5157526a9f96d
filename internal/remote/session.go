package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/heilerich/probridge/internal/cache"
)

// Session is a per-account connection to the upstream IMAP endpoint.
// Operations on a session are serialized; the IMAP front end owns one
// session per authenticated client connection.
type Session struct {
	adapter *Adapter
	account Account
	client  *imapclient.Client
	conn    net.Conn
	cache   *cache.AccountCache
	logger  *slog.Logger

	mu       sync.Mutex
	selected string
}

// Close terminates the upstream connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// Account returns the account this session is logged in as.
func (s *Session) Account() Account {
	return s.account
}

// Cache returns the account's local cache database, if any.
func (s *Session) Cache() *cache.AccountCache {
	return s.cache
}

// SupportsMove reports whether the upstream advertises the MOVE extension.
func (s *Session) SupportsMove() bool {
	return s.client.Caps().Has(imap.CapMove)
}

// Mailboxes lists mailboxes on the upstream matching the given reference
// and pattern.
func (s *Session) Mailboxes(ctx context.Context, ref, pattern string, options *imap.ListOptions) ([]*imap.ListData, error) {
	var out []*imap.ListData
	err := s.read(ctx, "list", func() error {
		var err error
		out, err = s.client.List(ref, pattern, options).Collect()
		return err
	})
	return out, err
}

// Select opens a mailbox on the upstream.
func (s *Session) Select(ctx context.Context, mailbox string) (*imap.SelectData, error) {
	var data *imap.SelectData
	err := s.op(ctx, "select", func() error {
		var err error
		data, err = s.client.Select(mailbox, nil).Wait()
		return err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.selected = mailbox
	s.mu.Unlock()
	return data, nil
}

// Unselect closes the selected mailbox without expunging it.
func (s *Session) Unselect(ctx context.Context) error {
	err := s.op(ctx, "unselect", func() error {
		return s.client.Unselect().Wait()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
	return nil
}

// Selected returns the currently selected upstream mailbox.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Status queries mailbox counters without selecting it.
func (s *Session) Status(ctx context.Context, mailbox string, options *imap.StatusOptions) (*imap.StatusData, error) {
	var data *imap.StatusData
	err := s.read(ctx, "status", func() error {
		var err error
		data, err = s.client.Status(mailbox, options).Wait()
		return err
	})
	return data, err
}

// Search runs a UID search in the selected mailbox.
func (s *Session) Search(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	var uids []imap.UID
	err := s.read(ctx, "search", func() error {
		data, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	return uids, err
}

// SearchSeq runs a sequence-number search in the selected mailbox.
func (s *Session) SearchSeq(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	var nums []uint32
	err := s.read(ctx, "search", func() error {
		data, err := s.client.Search(criteria, nil).Wait()
		if err != nil {
			return err
		}
		nums = data.AllSeqNums()
		return nil
	})
	return nums, err
}

// Fetch retrieves message data for the given set.
func (s *Session) Fetch(ctx context.Context, numSet imap.NumSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
	var out []*imapclient.FetchMessageBuffer
	err := s.read(ctx, "fetch", func() error {
		var err error
		out, err = s.client.Fetch(numSet, options).Collect()
		return err
	})
	return out, err
}

// Store updates flags on the given set and returns the resulting state.
func (s *Session) Store(ctx context.Context, numSet imap.NumSet, flags *imap.StoreFlags) ([]*imapclient.FetchMessageBuffer, error) {
	var out []*imapclient.FetchMessageBuffer
	err := s.op(ctx, "store", func() error {
		var err error
		out, err = s.client.Store(numSet, flags, nil).Collect()
		return err
	})
	return out, err
}

// Copy copies the given set into the destination mailbox.
func (s *Session) Copy(ctx context.Context, numSet imap.NumSet, dest string) (*imap.CopyData, error) {
	var data *imap.CopyData
	err := s.op(ctx, "copy", func() error {
		var err error
		data, err = s.client.Copy(numSet, dest).Wait()
		return err
	})
	return data, err
}

// Append adds a message to the given mailbox and returns the UID it was
// assigned, when the upstream reports one.
func (s *Session) Append(ctx context.Context, mailbox string, r io.Reader, size int64, options *imap.AppendOptions) (*imap.AppendData, error) {
	var data *imap.AppendData
	err := s.op(ctx, "append", func() error {
		cmd := s.client.Append(mailbox, size, options)
		if _, err := io.Copy(cmd, r); err != nil {
			cmd.Close()
			return err
		}
		if err := cmd.Close(); err != nil {
			return err
		}
		var err error
		data, err = cmd.Wait()
		return err
	})
	return data, err
}

// Expunge removes messages flagged \Deleted from the selected mailbox and
// returns the expunged sequence numbers. When uids is non-nil and the
// upstream supports UIDPLUS, only those messages are expunged.
func (s *Session) Expunge(ctx context.Context, uids *imap.UIDSet) ([]uint32, error) {
	var out []uint32
	err := s.op(ctx, "expunge", func() error {
		var err error
		if uids != nil && s.client.Caps().Has(imap.CapUIDPlus) {
			out, err = s.client.UIDExpunge(*uids).Collect()
		} else {
			out, err = s.client.Expunge().Collect()
		}
		return err
	})
	return out, err
}

// Noop pings the upstream, picking up any pending unilateral updates.
func (s *Session) Noop(ctx context.Context) error {
	return s.op(ctx, "noop", func() error {
		return s.client.Noop().Wait()
	})
}

// Move transfers the given set from the selected mailbox into dest. When
// the upstream advertises MOVE the native command is used. Otherwise the
// move is emulated as copy, flag deleted, expunge, with a per-message
// ledger so that a retry after a partial failure does not duplicate the
// message in the destination.
func (s *Session) Move(ctx context.Context, numSet imap.NumSet, dest string) error {
	if s.SupportsMove() {
		return s.op(ctx, "move", func() error {
			_, err := s.client.Move(numSet, dest).Wait()
			return err
		})
	}

	// Resolve the set to concrete UIDs for per-message bookkeeping.
	msgs, err := s.Fetch(ctx, numSet, &imap.FetchOptions{UID: true})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.moveOne(ctx, msg.UID, dest); err != nil {
			return err
		}
	}
	return nil
}

// moveOne emulates a single-message move. The ledger entry written after
// the copy is what makes a retried move idempotent: if the copy already
// happened, only the source deletion is re-attempted.
func (s *Session) moveOne(ctx context.Context, uid imap.UID, dest string) error {
	msgID, err := s.messageID(ctx, uid)
	if err != nil {
		return err
	}

	copied := false
	if s.cache != nil && msgID != "" {
		_, copied, err = s.cache.MoveRecorded(msgID, dest)
		if err != nil {
			return err
		}
	}

	if !copied {
		data, err := s.Copy(ctx, imap.UIDSetNum(uid), dest)
		if err != nil {
			return err
		}
		if s.cache != nil && msgID != "" {
			var destUID uint32
			if data != nil {
				if uids, ok := data.DestUIDs.Nums(); ok && len(uids) == 1 {
					destUID = uint32(uids[0])
				}
			}
			if err := s.cache.RecordMove(msgID, dest, destUID); err != nil {
				return err
			}
		}
	} else {
		s.logger.Info("skipping copy for already-moved message", "message_id", msgID, "dest", dest)
	}

	if err := s.deleteSource(ctx, uid); err != nil {
		return fmt.Errorf("%w: %v", ErrPartialMove, err)
	}

	if s.cache != nil && msgID != "" {
		if err := s.cache.ClearMove(msgID, dest); err != nil {
			return err
		}
		if err := s.cache.ForgetUID(s.Selected(), uint32(uid)); err != nil {
			return err
		}
	}
	return nil
}

// deleteSource flags the source copy deleted and expunges it.
func (s *Session) deleteSource(ctx context.Context, uid imap.UID) error {
	set := imap.UIDSetNum(uid)
	_, err := s.Store(ctx, set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	})
	if err != nil {
		return err
	}

	_, err = s.Expunge(ctx, &set)
	return err
}

// messageID returns the ledger identity of a message in the selected
// mailbox: its Message-ID header, or a digest of the envelope when the
// header is absent so such messages still dedup on retry.
func (s *Session) messageID(ctx context.Context, uid imap.UID) (string, error) {
	msgs, err := s.Fetch(ctx, imap.UIDSetNum(uid), &imap.FetchOptions{Envelope: true, UID: true})
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if msg.Envelope == nil {
			continue
		}
		if msg.Envelope.MessageID != "" {
			return msg.Envelope.MessageID, nil
		}
		return envelopeDigest(msg.Envelope), nil
	}
	return "", nil
}

// envelopeDigest synthesizes a stable message identity from envelope
// fields for messages without a Message-ID header.
func envelopeDigest(env *imap.Envelope) string {
	h := sha256.New()
	io.WriteString(h, env.Subject)
	io.WriteString(h, "\x00")
	io.WriteString(h, env.Date.UTC().Format(time.RFC3339))
	for _, addrs := range [][]imap.Address{env.From, env.To, env.Cc} {
		io.WriteString(h, "\x00")
		for _, a := range addrs {
			io.WriteString(h, a.Mailbox)
			io.WriteString(h, "@")
			io.WriteString(h, a.Host)
			io.WriteString(h, ",")
		}
	}
	return "envelope:" + hex.EncodeToString(h.Sum(nil))
}

// op runs a single upstream command under the session lock with the
// operation timeout applied.
func (s *Session) op(ctx context.Context, name string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return classifyTransport(name, err)
	}

	s.conn.SetDeadline(opDeadline(ctx, s.adapter.cfg.OpTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := fn(); err != nil {
		err = classifyTransport(name, err)
		s.adapter.metrics.UpstreamCall(name, "error")
		return err
	}
	s.adapter.metrics.UpstreamCall(name, "ok")
	return nil
}

// read runs an idempotent read command, retrying once with backoff on a
// transient failure.
func (s *Session) read(ctx context.Context, name string, fn func() error) error {
	err := s.op(ctx, name, fn)
	if err == nil || !retryable(err) {
		return err
	}

	s.adapter.metrics.UpstreamRetry(name)
	s.logger.Warn("retrying upstream read", "op", name, "error", err)

	select {
	case <-time.After(newBackoff().Duration()):
	case <-ctx.Done():
		return classifyTransport(name, ctx.Err())
	}

	return s.op(ctx, name, fn)
}
