package imapfront_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/cache"
	"github.com/heilerich/probridge/internal/creds"
	"github.com/heilerich/probridge/internal/imapfront"
	"github.com/heilerich/probridge/internal/remote"
)

const (
	testAccount  = "user@example.com"
	testUpstream = "upstream-secret"
)

const testRawMessage = "Message-Id: <msg-1@example.com>\r\n" +
	"From: user@example.com\r\n" +
	"To: friend@example.net\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body\r\n"

// generateTestTLS generates a self-signed ECDSA certificate for testing.
// Returns server and client TLS configs.
func generateTestTLS(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test.local"},
		DNSNames:     []string{"test.local", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	serverCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg = &tls.Config{RootCAs: pool, ServerName: "test.local"}
	return
}

type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifyLogin(ctx context.Context, username, credential string) error {
	return nil
}

// testEnv holds the infrastructure for a round-trip mailbox test: an
// in-memory IMAP server standing in for the upstream, the account
// manager with one logged-in account, and the local front end under
// test.
type testEnv struct {
	addr           string
	clientTLS      *tls.Config
	bridgePassword string
	upstreamAddr   string
	upstreamTLS    *tls.Config
	manager        *bridge.Manager
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()

	upstreamServerTLS, upstreamClientTLS := generateTestTLS(t)

	// Stand-in upstream mailbox server.
	user := imapmemserver.NewUser(testAccount, testUpstream)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("creating INBOX: %v", err)
	}
	if err := user.Create("Archive", nil); err != nil {
		t.Fatalf("creating Archive: %v", err)
	}
	memServer := imapmemserver.New()
	memServer.AddUser(user)
	upstreamServer := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		TLSConfig: upstreamServerTLS,
		Caps:      imap.CapSet{imap.CapIMAP4rev1: {}},
	})

	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	go upstreamServer.Serve(upstreamLn)
	t.Cleanup(func() { upstreamServer.Close() })

	// Account manager with one active account.
	store := creds.NewWithKeyring(keyring.NewArrayKeyring(nil))
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	manager := bridge.NewManager(store, c, acceptAllVerifier{}, nil, nil)
	bridgePassword, err := manager.Login(context.Background(), testAccount, testAccount, testUpstream)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	adapter := remote.New(remote.Config{
		IMAPAddress:  upstreamLn.Addr().String(),
		IMAPStartTLS: true,
		TLSConfig:    upstreamClientTLS,
		DialTimeout:  5 * time.Second,
		OpTimeout:    10 * time.Second,
	}, c, nil, nil)

	serverTLS, clientTLS := generateTestTLS(t)

	// Pre-allocate a port. There is a small TOCTOU window but this is
	// acceptable in test environments.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	backend := imapfront.NewBackend(imapfront.BackendConfig{
		Manager: manager,
		Remote:  adapter,
	})

	srv, err := imapfront.NewServer(imapfront.ServerConfig{
		Backend:   backend,
		Address:   addr,
		TLSConfig: serverTLS,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		addr:           addr,
		clientTLS:      clientTLS,
		bridgePassword: bridgePassword,
		upstreamAddr:   upstreamLn.Addr().String(),
		upstreamTLS:    upstreamClientTLS,
		manager:        manager,
		cancel:         cancel,
	}

	env.wg.Add(1)
	go func() {
		defer env.wg.Done()
		_ = srv.Run(ctx)
	}()

	// Wait for server to bind.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		env.cancel()
		env.wg.Wait()
	})

	return env
}

// dialUpstream opens a direct client session on the stand-in upstream,
// bypassing the bridge, for seeding and verifying mailbox contents.
func (env *testEnv) dialUpstream(t *testing.T) *imapclient.Client {
	t.Helper()
	conn, err := net.Dial("tcp", env.upstreamAddr)
	if err != nil {
		t.Fatalf("dial upstream: %v", err)
	}
	client, err := imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: env.upstreamTLS})
	if err != nil {
		t.Fatalf("starttls upstream: %v", err)
	}
	if err := client.Login(testAccount, testUpstream).Wait(); err != nil {
		t.Fatalf("upstream login: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (env *testEnv) seedMessage(t *testing.T, mailbox string) {
	t.Helper()
	client := env.dialUpstream(t)
	cmd := client.Append(mailbox, int64(len(testRawMessage)), nil)
	if _, err := cmd.Write([]byte(testRawMessage)); err != nil {
		t.Fatalf("append write: %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("append close: %v", err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("append: %v", err)
	}
}

// dialFront opens a client connection to the bridge front end without
// logging in.
func (env *testEnv) dialFront(t *testing.T) *imapclient.Client {
	t.Helper()
	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	client, err := imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: env.clientTLS})
	if err != nil {
		t.Fatalf("starttls front: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (env *testEnv) loginFront(t *testing.T) *imapclient.Client {
	t.Helper()
	client := env.dialFront(t)
	if err := client.Login(testAccount, env.bridgePassword).Wait(); err != nil {
		t.Fatalf("front login: %v", err)
	}
	return client
}

func TestLogin(t *testing.T) {
	env := startEnv(t)
	client := env.dialFront(t)

	if err := client.Login(testAccount, env.bridgePassword).Wait(); err != nil {
		t.Fatalf("Login() = %v, want success", err)
	}
}

func TestLoginRequiresTLS(t *testing.T) {
	env := startEnv(t)

	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	client := imapclient.New(conn, nil)
	defer client.Close()
	if err := client.WaitGreeting(); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	if err := client.Login(testAccount, env.bridgePassword).Wait(); err == nil {
		t.Fatal("Login() succeeded on a plaintext connection")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := startEnv(t)
	client := env.dialFront(t)

	if err := client.Login(testAccount, "not-the-password").Wait(); err == nil {
		t.Fatal("Login() succeeded with a wrong password")
	}
}

func TestLoginUpstreamPasswordRejected(t *testing.T) {
	env := startEnv(t)
	client := env.dialFront(t)

	// The upstream account password must never work on the local
	// listener; only the generated bridge password does.
	if err := client.Login(testAccount, testUpstream).Wait(); err == nil {
		t.Fatal("Login() accepted the upstream password")
	}
}

func TestLoginLoggedOutAccount(t *testing.T) {
	env := startEnv(t)
	if err := env.manager.Logout(context.Background(), testAccount); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	client := env.dialFront(t)
	if err := client.Login(testAccount, env.bridgePassword).Wait(); err == nil {
		t.Fatal("Login() succeeded for a logged-out account")
	}
}

func TestSelect(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	data, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	if data.NumMessages != 1 {
		t.Errorf("NumMessages = %d, want 1", data.NumMessages)
	}
	if data.UIDValidity != 1 {
		t.Errorf("UIDValidity = %d, want 1", data.UIDValidity)
	}
	if data.UIDNext != 2 {
		t.Errorf("UIDNext = %d, want 2", data.UIDNext)
	}
}

func TestList(t *testing.T) {
	env := startEnv(t)

	client := env.loginFront(t)
	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		t.Fatalf("List() = %v", err)
	}

	names := make(map[string]bool)
	for _, mb := range mailboxes {
		names[mb.Mailbox] = true
	}
	for _, want := range []string{"INBOX", "Archive"} {
		if !names[want] {
			t.Errorf("List() missing mailbox %q", want)
		}
	}
}

func TestStatusSanitized(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	data, err := client.Status("INBOX", &imap.StatusOptions{
		NumMessages: true,
		UIDValidity: true,
	}).Wait()
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if data.NumMessages == nil || *data.NumMessages != 1 {
		t.Errorf("NumMessages = %v, want 1", data.NumMessages)
	}
	if data.UIDValidity != 1 {
		t.Errorf("UIDValidity = %d, want 1", data.UIDValidity)
	}
}

func TestFetchEnvelope(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}

	msgs, err := client.Fetch(imap.SeqSetNum(1), &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		Flags:    true,
	}).Collect()
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Fetch() returned %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.UID != 1 {
		t.Errorf("UID = %d, want 1", msg.UID)
	}
	if msg.Envelope == nil || msg.Envelope.Subject != "hello" {
		t.Errorf("Envelope = %+v, want subject hello", msg.Envelope)
	}
}

func TestUIDSearch(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}

	data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		t.Fatalf("UIDSearch() = %v", err)
	}
	uids := data.AllUIDs()
	if len(uids) != 1 || uids[0] != 1 {
		t.Errorf("UIDSearch() = %v, want [1]", uids)
	}
}

func TestStoreFlags(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}

	msgs, err := client.Store(imap.UIDSetNum(1), &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil).Collect()
	if err != nil {
		t.Fatalf("Store() = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Store() returned %d messages, want 1", len(msgs))
	}

	var seen bool
	for _, f := range msgs[0].Flags {
		if f == imap.FlagSeen {
			seen = true
		}
	}
	if !seen {
		t.Errorf("flags %v missing \\Seen", msgs[0].Flags)
	}
}

func TestMove(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}

	if _, err := client.Move(imap.UIDSetNum(1), "Archive").Wait(); err != nil {
		t.Fatalf("Move() = %v", err)
	}

	// Verify against the upstream directly.
	upstream := env.dialUpstream(t)
	for mailbox, want := range map[string]uint32{"INBOX": 0, "Archive": 1} {
		data, err := upstream.Status(mailbox, &imap.StatusOptions{NumMessages: true}).Wait()
		if err != nil {
			t.Fatalf("upstream Status(%s): %v", mailbox, err)
		}
		if data.NumMessages == nil || *data.NumMessages != want {
			t.Errorf("upstream %s has %v messages, want %d", mailbox, data.NumMessages, want)
		}
	}
}

func TestCreateRejected(t *testing.T) {
	env := startEnv(t)

	client := env.loginFront(t)
	err := client.Create("Drafts", nil).Wait()
	if err == nil {
		t.Fatal("Create() succeeded, want NO")
	}
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) || imapErr.Type != imap.StatusResponseTypeNo {
		t.Errorf("Create() = %v, want NO response", err)
	}
}

func TestAppendRoundTrip(t *testing.T) {
	env := startEnv(t)

	client := env.loginFront(t)
	cmd := client.Append("INBOX", int64(len(testRawMessage)), nil)
	if _, err := cmd.Write([]byte(testRawMessage)); err != nil {
		t.Fatalf("append write: %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("append close: %v", err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	upstream := env.dialUpstream(t)
	data, err := upstream.Status("INBOX", &imap.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		t.Fatalf("upstream Status: %v", err)
	}
	if data.NumMessages == nil || *data.NumMessages != 1 {
		t.Errorf("upstream INBOX has %v messages, want 1", data.NumMessages)
	}
}

func TestFetchBodyBytes(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}

	msgs, err := client.Fetch(imap.UIDSetNum(1), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}).Collect()
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Fetch() returned %d messages, want 1", len(msgs))
	}
	if len(msgs[0].BodySection) != 1 {
		t.Fatalf("Fetch() returned %d body sections, want 1", len(msgs[0].BodySection))
	}

	// Messages must pass through byte-identical.
	for _, body := range msgs[0].BodySection {
		if string(body) != testRawMessage {
			t.Errorf("BODY[] = %q, want %q", body, testRawMessage)
		}
	}
}

func TestUIDFetchDynamicRange(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")
	env.seedMessage(t, "INBOX")

	client := env.loginFront(t)
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}

	var set imap.UIDSet
	set.AddRange(1, 0) // 1:*
	msgs, err := client.Fetch(set, &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		t.Fatalf("Fetch(1:*) = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Fetch(1:*) returned %d messages, want 2", len(msgs))
	}

	uids := make(map[imap.UID]bool)
	for _, msg := range msgs {
		uids[msg.UID] = true
	}
	if !uids[1] || !uids[2] {
		t.Errorf("Fetch(1:*) UIDs = %v, want {1, 2}", uids)
	}
}

func TestRepeatedLoginFailuresCloseConnection(t *testing.T) {
	env := startEnv(t)
	client := env.dialFront(t)

	for i := 0; i < 3; i++ {
		if err := client.Login(testAccount, "not-the-password").Wait(); err == nil {
			t.Fatalf("Login() attempt %d succeeded with a wrong password", i+1)
		}
	}

	// The third failure must tear the connection down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.Noop().Wait(); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection still accepting commands after repeated auth failures")
}

func TestLocalUIDsStableAcrossReconnect(t *testing.T) {
	env := startEnv(t)
	env.seedMessage(t, "INBOX")

	first := env.loginFront(t)
	if _, err := first.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}
	msgs, err := first.Fetch(imap.SeqSetNum(1), &imap.FetchOptions{UID: true}).Collect()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Fetch() = %v (%d messages)", err, len(msgs))
	}
	firstUID := msgs[0].UID
	first.Close()

	second := env.loginFront(t)
	if _, err := second.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("Select() = %v", err)
	}
	msgs, err = second.Fetch(imap.SeqSetNum(1), &imap.FetchOptions{UID: true}).Collect()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Fetch() = %v (%d messages)", err, len(msgs))
	}
	if msgs[0].UID != firstUID {
		t.Errorf("UID changed across reconnect: %d != %d", msgs[0].UID, firstUID)
	}
}
