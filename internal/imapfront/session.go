package imapfront

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/creds"
	"github.com/heilerich/probridge/internal/remote"
)

// localUIDValidity is the UIDVALIDITY presented to local clients. Local
// UIDs are stable across reconnects because the mapping is persisted, so
// the validity never changes.
const localUIDValidity = 1

// idlePollInterval is how often an idling connection polls the upstream.
const idlePollInterval = 30 * time.Second

var errReadOnlyMailboxes = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Code: imap.ResponseCodeCannot,
	Text: "mailboxes are managed by the upstream account",
}

var errNotAuthenticated = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Text: "not authenticated",
}

// session proxies one local IMAP connection onto a dedicated upstream
// session. All UIDs crossing the local wire are translated through the
// account's persistent UID mapping; sequence numbers pass through
// unchanged because the local view mirrors the upstream mailbox exactly.
type session struct {
	backend *Backend
	conn    *imapserver.Conn
	logger  *slog.Logger

	upstream   *remote.Session
	account    creds.Entry
	unregister func()

	mailbox     string
	numMessages uint32

	tlsSeen      bool
	authFailures int
}

var (
	_ imapserver.Session     = (*session)(nil)
	_ imapserver.SessionMove = (*session)(nil)
)

func (s *session) Close() error {
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	s.backend.collector.ConnectionClosed("imap")
	if s.upstream != nil {
		return s.upstream.Close()
	}
	return nil
}

// Login authenticates the local client with its bridge password and opens
// the upstream session the connection will be served from.
func (s *session) Login(username, password string) error {
	ctx := context.Background()

	// LOGIN is only reachable once the connection is secured.
	if !s.tlsSeen {
		s.tlsSeen = true
		s.backend.collector.TLSConnectionEstablished("imap")
	}

	entry, err := s.backend.manager.Authenticate(ctx, username, password)
	if err != nil {
		s.backend.collector.AuthAttempt("imap", false)
		s.authFailures++

		s.logger.Debug("authentication failed",
			slog.String("username", username),
			slog.Int("failures", s.authFailures),
			slog.String("error", err.Error()))

		if s.authFailures >= s.backend.maxAuthFailures {
			s.logger.Warn("closing connection after repeated auth failures",
				slog.String("username", username))
			if nc := s.conn.NetConn(); nc != nil {
				nc.Close()
			}
		}

		if errors.Is(err, bridge.ErrInvalidCredentials) || errors.Is(err, bridge.ErrAccountNotActive) {
			return imapserver.ErrAuthFailed
		}
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "temporary authentication failure",
		}
	}

	upstream, err := s.backend.remote.Connect(ctx, remote.Account{
		Address:  entry.Address,
		Username: entry.RemoteUsername,
		Secret:   entry.RemoteSecret,
	})
	if err != nil {
		s.logger.Error("upstream session failed", slog.String("error", err.Error()))
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "upstream server unavailable",
		}
	}

	// The account may have been logged out between the password check
	// and now; registration fails in that case and the session must not
	// come up authenticated.
	unregister, err := s.backend.manager.RegisterSession(entry.Address, s.conn.NetConn())
	if err != nil {
		upstream.Close()
		s.backend.collector.AuthAttempt("imap", false)
		s.logger.Debug("session registration failed",
			slog.String("username", username),
			slog.String("error", err.Error()))
		return imapserver.ErrAuthFailed
	}

	s.upstream = upstream
	s.account = entry
	s.authFailures = 0
	s.unregister = unregister
	s.backend.collector.AuthAttempt("imap", true)

	s.logger = s.logger.With(slog.String("account", entry.Address))
	s.logger.Debug("authentication successful")
	return nil
}

func (s *session) Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error) {
	if s.upstream == nil {
		return nil, errNotAuthenticated
	}
	ctx := context.Background()

	data, err := s.upstream.Select(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	s.mailbox = mailbox
	s.numMessages = data.NumMessages

	// Establish the local UID mapping for everything in the mailbox so
	// later UID commands can translate in both directions.
	uids, err := s.upstream.Search(ctx, &imap.SearchCriteria{})
	if err != nil {
		return nil, err
	}
	var maxLocal uint32
	for _, uid := range uids {
		local, err := s.cacheLocalUID(mailbox, uint32(uid))
		if err != nil {
			return nil, err
		}
		if local > maxLocal {
			maxLocal = local
		}
	}

	return &imap.SelectData{
		Flags:          data.Flags,
		PermanentFlags: data.PermanentFlags,
		NumMessages:    data.NumMessages,
		UIDNext:        imap.UID(maxLocal + 1),
		UIDValidity:    localUIDValidity,
	}, nil
}

func (s *session) Unselect() error {
	if s.upstream == nil {
		return errNotAuthenticated
	}
	s.mailbox = ""
	return s.upstream.Unselect(context.Background())
}

func (s *session) Create(mailbox string, options *imap.CreateOptions) error {
	return errReadOnlyMailboxes
}

func (s *session) Delete(mailbox string) error {
	return errReadOnlyMailboxes
}

func (s *session) Rename(mailbox, newName string) error {
	return errReadOnlyMailboxes
}

func (s *session) Subscribe(mailbox string) error {
	return errReadOnlyMailboxes
}

func (s *session) Unsubscribe(mailbox string) error {
	return errReadOnlyMailboxes
}

func (s *session) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) error {
	if s.upstream == nil {
		return errNotAuthenticated
	}
	ctx := context.Background()

	seen := make(map[string]bool)
	for _, pattern := range patterns {
		mailboxes, err := s.upstream.Mailboxes(ctx, ref, pattern, options)
		if err != nil {
			return err
		}
		for _, data := range mailboxes {
			if seen[data.Mailbox] {
				continue
			}
			seen[data.Mailbox] = true
			if data.Status != nil {
				s.sanitizeStatus(data.Status)
			}
			if err := w.WriteList(data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *session) Status(mailbox string, options *imap.StatusOptions) (*imap.StatusData, error) {
	if s.upstream == nil {
		return nil, errNotAuthenticated
	}

	data, err := s.upstream.Status(context.Background(), mailbox, options)
	if err != nil {
		return nil, err
	}
	s.sanitizeStatus(data)
	return data, nil
}

// sanitizeStatus strips upstream UID details from a STATUS result; local
// clients only ever see the local UID space.
func (s *session) sanitizeStatus(data *imap.StatusData) {
	data.UIDValidity = localUIDValidity
	data.UIDNext = 0
}

func (s *session) Append(mailbox string, r imap.LiteralReader, options *imap.AppendOptions) (*imap.AppendData, error) {
	if s.upstream == nil {
		return nil, errNotAuthenticated
	}
	ctx := context.Background()

	data, err := s.upstream.Append(ctx, mailbox, r, r.Size(), options)
	if err != nil {
		return nil, err
	}

	out := &imap.AppendData{UIDValidity: localUIDValidity}
	if data != nil && data.UID != 0 {
		local, err := s.cacheLocalUID(mailbox, uint32(data.UID))
		if err != nil {
			return nil, err
		}
		out.UID = imap.UID(local)
	}
	return out, nil
}

func (s *session) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	if s.upstream == nil || s.mailbox == "" {
		return nil
	}
	return s.poll(w)
}

func (s *session) poll(w *imapserver.UpdateWriter) error {
	data, err := s.upstream.Status(context.Background(), s.mailbox, &imap.StatusOptions{NumMessages: true})
	if err != nil {
		return err
	}
	if data.NumMessages == nil || *data.NumMessages == s.numMessages {
		return nil
	}
	s.numMessages = *data.NumMessages
	return w.WriteNumMessages(s.numMessages)
}

// Idle degrades to polling: the upstream session has no second connection
// to wait on, so the bridge checks for new mail on an interval until the
// client ends the IDLE.
func (s *session) Idle(w *imapserver.UpdateWriter, stop <-chan struct{}) error {
	if s.upstream == nil {
		return errNotAuthenticated
	}

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if s.mailbox == "" {
				continue
			}
			if err := s.poll(w); err != nil {
				s.logger.Warn("idle poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *session) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) error {
	if s.upstream == nil {
		return errNotAuthenticated
	}

	remoteUIDs, err := s.mapUIDSetOut(uids)
	if err != nil {
		return err
	}

	seqNums, err := s.upstream.Expunge(context.Background(), remoteUIDs)
	if err != nil {
		return err
	}
	for _, n := range seqNums {
		if s.numMessages > 0 {
			s.numMessages--
		}
		if err := w.WriteExpunge(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	if s.upstream == nil {
		return nil, errNotAuthenticated
	}
	ctx := context.Background()

	translated, err := s.translateCriteria(criteria)
	if err != nil {
		return nil, err
	}

	data := &imap.SearchData{}
	switch kind {
	case imapserver.NumKindUID:
		remoteUIDs, err := s.upstream.Search(ctx, translated)
		if err != nil {
			return nil, err
		}
		locals := make([]imap.UID, 0, len(remoteUIDs))
		for _, uid := range remoteUIDs {
			local, err := s.cacheLocalUID(s.mailbox, uint32(uid))
			if err != nil {
				return nil, err
			}
			locals = append(locals, imap.UID(local))
		}
		sort.Slice(locals, func(i, j int) bool { return locals[i] < locals[j] })
		data.UID = true
		data.All = imap.UIDSetNum(locals...)
		data.Count = uint32(len(locals))
	default:
		nums, err := s.upstream.SearchSeq(ctx, translated)
		if err != nil {
			return nil, err
		}
		data.All = imap.SeqSetNum(nums...)
		data.Count = uint32(len(nums))
	}
	return data, nil
}

func (s *session) Fetch(w *imapserver.FetchWriter, numSet imap.NumSet, options *imap.FetchOptions) error {
	if s.upstream == nil {
		return errNotAuthenticated
	}

	set, empty, err := s.mapNumSetOut(numSet)
	if err != nil || empty {
		return err
	}

	// Always fetch the upstream UID so responses can be translated.
	opts := *options
	opts.UID = true

	msgs, err := s.upstream.Fetch(context.Background(), set, &opts)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := s.writeFetchedMessage(w, msg, options); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) writeFetchedMessage(w *imapserver.FetchWriter, msg *imapclient.FetchMessageBuffer, options *imap.FetchOptions) error {
	mw := w.CreateMessage(msg.SeqNum)

	if msg.UID != 0 {
		local, err := s.cacheLocalUID(s.mailbox, uint32(msg.UID))
		if err != nil {
			return err
		}
		mw.WriteUID(imap.UID(local))
	}
	if options.Flags && msg.Flags != nil {
		mw.WriteFlags(msg.Flags)
	}
	if options.Envelope && msg.Envelope != nil {
		mw.WriteEnvelope(msg.Envelope)
	}
	if options.InternalDate && !msg.InternalDate.IsZero() {
		mw.WriteInternalDate(msg.InternalDate)
	}
	if options.RFC822Size && msg.RFC822Size > 0 {
		mw.WriteRFC822Size(msg.RFC822Size)
	}
	if options.BodyStructure != nil && msg.BodyStructure != nil {
		mw.WriteBodyStructure(msg.BodyStructure)
	}
	for section, body := range msg.BodySection {
		wc := mw.WriteBodySection(section, int64(len(body)))
		if _, err := wc.Write(body); err != nil {
			wc.Close()
			return err
		}
		if err := wc.Close(); err != nil {
			return err
		}
	}

	return mw.Close()
}

func (s *session) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) error {
	if s.upstream == nil {
		return errNotAuthenticated
	}

	set, empty, err := s.mapNumSetOut(numSet)
	if err != nil || empty {
		return err
	}

	msgs, err := s.upstream.Store(context.Background(), set, flags)
	if err != nil {
		return err
	}

	if flags.Silent {
		return nil
	}
	for _, msg := range msgs {
		mw := w.CreateMessage(msg.SeqNum)
		if msg.UID != 0 {
			local, err := s.cacheLocalUID(s.mailbox, uint32(msg.UID))
			if err != nil {
				return err
			}
			mw.WriteUID(imap.UID(local))
		}
		mw.WriteFlags(msg.Flags)
		if err := mw.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Copy(numSet imap.NumSet, dest string) (*imap.CopyData, error) {
	if s.upstream == nil {
		return nil, errNotAuthenticated
	}

	set, empty, err := s.mapNumSetOut(numSet)
	if err != nil {
		return nil, err
	}
	if empty {
		return &imap.CopyData{UIDValidity: localUIDValidity}, nil
	}

	data, err := s.upstream.Copy(context.Background(), set, dest)
	if err != nil {
		return nil, err
	}
	return s.translateCopyData(data, dest)
}

func (s *session) Move(w *imapserver.MoveWriter, numSet imap.NumSet, dest string) error {
	if s.upstream == nil {
		return errNotAuthenticated
	}
	ctx := context.Background()

	set, empty, err := s.mapNumSetOut(numSet)
	if err != nil || empty {
		return err
	}

	// Record the sequence numbers before the move so the expunges can be
	// reported afterwards.
	msgs, err := s.upstream.Fetch(ctx, set, &imap.FetchOptions{UID: true})
	if err != nil {
		return err
	}

	if err := s.upstream.Move(ctx, set, dest); err != nil {
		return err
	}

	if err := w.WriteCopyData(nil); err != nil {
		return err
	}

	seqNums := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		seqNums = append(seqNums, msg.SeqNum)
	}
	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] > seqNums[j] })
	for _, n := range seqNums {
		if s.numMessages > 0 {
			s.numMessages--
		}
		if err := w.WriteExpunge(n); err != nil {
			return err
		}
	}
	return nil
}

// cacheLocalUID maps an upstream UID onto the stable local UID for the
// mailbox.
func (s *session) cacheLocalUID(mailbox string, remoteUID uint32) (uint32, error) {
	c := s.upstream.Cache()
	if c == nil {
		return remoteUID, nil
	}
	return c.LocalUID(mailbox, remoteUID)
}

// mapNumSetOut translates a client-supplied set into the upstream's
// numbering. Sequence sets pass through unchanged; UID sets are mapped
// from local to upstream UIDs, dropping UIDs the bridge has never seen.
// The empty result flag is set when a UID set maps to nothing.
func (s *session) mapNumSetOut(numSet imap.NumSet) (imap.NumSet, bool, error) {
	uidSet, ok := numSet.(imap.UIDSet)
	if !ok {
		return numSet, false, nil
	}

	c := s.upstream.Cache()
	if c == nil {
		return numSet, false, nil
	}

	locals, ok := uidSet.Nums()
	if !ok {
		// Dynamic sets ("1:*") are resolved against the local UIDs already
		// mapped for the selected mailbox; the mapping is fully populated
		// at select time, so no upstream round trip is needed.
		known, err := c.LocalUIDs(s.mailbox)
		if err != nil {
			return nil, false, err
		}
		locals = resolveDynamicUIDs(uidSet, known)
	}

	remotes := make([]imap.UID, 0, len(locals))
	for _, local := range locals {
		remoteUID, found, err := c.RemoteUID(s.mailbox, uint32(local))
		if err != nil {
			return nil, false, err
		}
		if found {
			remotes = append(remotes, imap.UID(remoteUID))
		}
	}
	if len(remotes) == 0 {
		return nil, true, nil
	}
	return imap.UIDSetNum(remotes...), false, nil
}

// resolveDynamicUIDs pins "*" in a dynamic UID set to the highest known
// local UID, then filters the known UIDs through the resulting static set.
func resolveDynamicUIDs(set imap.UIDSet, known []uint32) []imap.UID {
	var max imap.UID
	for _, n := range known {
		if imap.UID(n) > max {
			max = imap.UID(n)
		}
	}

	static := make(imap.UIDSet, len(set))
	copy(static, set)
	for i := range static {
		r := &static[i]
		if r.Start == 0 {
			r.Start = max
		}
		if r.Stop == 0 {
			r.Stop = max
		}
		if r.Start > r.Stop {
			r.Start, r.Stop = r.Stop, r.Start
		}
	}

	locals := make([]imap.UID, 0, len(known))
	for _, n := range known {
		if static.Contains(imap.UID(n)) {
			locals = append(locals, imap.UID(n))
		}
	}
	return locals
}

// mapUIDSetOut translates an optional local UID set to upstream UIDs.
func (s *session) mapUIDSetOut(uids *imap.UIDSet) (*imap.UIDSet, error) {
	if uids == nil {
		return nil, nil
	}
	set, empty, err := s.mapNumSetOut(*uids)
	if err != nil {
		return nil, err
	}
	if empty {
		emptySet := imap.UIDSet{}
		return &emptySet, nil
	}
	uidSet := set.(imap.UIDSet)
	return &uidSet, nil
}

// translateCriteria rewrites local UIDs in search criteria to upstream
// UIDs.
func (s *session) translateCriteria(criteria *imap.SearchCriteria) (*imap.SearchCriteria, error) {
	if criteria == nil {
		return nil, nil
	}

	out := *criteria

	if len(criteria.UID) > 0 {
		out.UID = make([]imap.UIDSet, 0, len(criteria.UID))
		for _, uidSet := range criteria.UID {
			mapped, empty, err := s.mapNumSetOut(uidSet)
			if err != nil {
				return nil, err
			}
			if empty {
				// A UID set with no known messages matches nothing.
				out.UID = append(out.UID, imap.UIDSet{})
				continue
			}
			out.UID = append(out.UID, mapped.(imap.UIDSet))
		}
	}

	if len(criteria.Not) > 0 {
		out.Not = make([]imap.SearchCriteria, 0, len(criteria.Not))
		for i := range criteria.Not {
			sub, err := s.translateCriteria(&criteria.Not[i])
			if err != nil {
				return nil, err
			}
			out.Not = append(out.Not, *sub)
		}
	}
	if len(criteria.Or) > 0 {
		out.Or = make([][2]imap.SearchCriteria, 0, len(criteria.Or))
		for i := range criteria.Or {
			var pair [2]imap.SearchCriteria
			for j := 0; j < 2; j++ {
				sub, err := s.translateCriteria(&criteria.Or[i][j])
				if err != nil {
					return nil, err
				}
				pair[j] = *sub
			}
			out.Or = append(out.Or, pair)
		}
	}

	return &out, nil
}

// translateCopyData rewrites a COPYUID result into the local UID space.
func (s *session) translateCopyData(data *imap.CopyData, dest string) (*imap.CopyData, error) {
	if data == nil {
		return nil, nil
	}

	out := &imap.CopyData{UIDValidity: localUIDValidity}

	if srcUIDs, ok := data.SourceUIDs.Nums(); ok {
		locals := make([]imap.UID, 0, len(srcUIDs))
		for _, uid := range srcUIDs {
			local, err := s.cacheLocalUID(s.mailbox, uint32(uid))
			if err != nil {
				return nil, err
			}
			locals = append(locals, imap.UID(local))
		}
		out.SourceUIDs = imap.UIDSetNum(locals...)
	}
	if destUIDs, ok := data.DestUIDs.Nums(); ok {
		locals := make([]imap.UID, 0, len(destUIDs))
		for _, uid := range destUIDs {
			local, err := s.cacheLocalUID(dest, uint32(uid))
			if err != nil {
				return nil, err
			}
			locals = append(locals, imap.UID(local))
		}
		out.DestUIDs = imap.UIDSetNum(locals...)
	}
	return out, nil
}
