// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

//go:build integration

package integration

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xreatlabs/nexauth/internal/auth"
	authpg "github.com/xreatlabs/nexauth/internal/auth/postgres"
	"github.com/xreatlabs/nexauth/internal/cluster"
	"github.com/xreatlabs/nexauth/internal/gate"
	"github.com/xreatlabs/nexauth/internal/limbo"
	"github.com/xreatlabs/nexauth/internal/packet"
	"github.com/xreatlabs/nexauth/internal/ratelimit"
	"github.com/xreatlabs/nexauth/internal/session"
	"github.com/xreatlabs/nexauth/internal/simhost"
	"github.com/xreatlabs/nexauth/internal/store"
)

// testEnv holds the shared backing services: one PostgreSQL container and
// one redis, shared by every proxy started during the suite.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	connStr   string
	redis     *miniredis.Miniredis
	svc       *auth.Service
	pool      *pgxpool.Pool
}

// proxy is one running gatekeeper instance with its own listener.
type proxy struct {
	id     string
	addr   string
	gate   *gate.Gate
	ledger *ratelimit.Ledger
	sync   *cluster.Synchronizer
	client *redis.Client
	cancel context.CancelFunc
}

var env *testEnv

var _ = BeforeSuite(func() {
	ctx, cancel := context.WithCancel(context.Background())
	env = &testEnv{ctx: ctx, cancel: cancel}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("nexauth_test"),
		postgres.WithUsername("nexauth"),
		postgres.WithPassword("nexauth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	Expect(err).NotTo(HaveOccurred())
	env.container = container

	env.connStr, err = container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	migrator, err := store.NewMigrator(env.connStr)
	Expect(err).NotTo(HaveOccurred())
	Expect(migrator.Up()).To(Succeed())
	Expect(migrator.Close()).To(Succeed())

	env.pool, err = store.NewPool(ctx, env.connStr)
	Expect(err).NotTo(HaveOccurred())

	env.svc, err = auth.NewService(
		authpg.NewCredentialRepository(env.pool),
		auth.NewArgon2idHasher(),
		auth.NewTOTPVerifier("nexauth", 1),
	)
	Expect(err).NotTo(HaveOccurred())

	env.redis = miniredis.NewMiniRedis()
	Expect(env.redis.Start()).To(Succeed())
})

var _ = AfterSuite(func() {
	if env == nil {
		return
	}
	if env.redis != nil {
		env.redis.Close()
	}
	if env.pool != nil {
		env.pool.Close()
	}
	if env.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.container.Terminate(ctx)
	}
	env.cancel()
})

// startProxy brings up a full gatekeeper stack on an ephemeral port,
// joined to the suite's shared store and cluster channel.
func startProxy(proxyID string) *proxy {
	GinkgoHelper()

	logger := slog.New(slog.DiscardHandler)

	ledger := ratelimit.NewLedger(ratelimit.Config{
		Threshold:    3,
		Window:       time.Minute,
		LockoutBase:  time.Second,
		LockoutMax:   2 * time.Second,
		IdleEviction: time.Minute,
	})

	sessions, err := session.NewCache(64, time.Hour, 0)
	Expect(err).NotTo(HaveOccurred())

	rules, err := packet.NewRuleset(
		[]string{"client.settings", "keepalive.*"},
		[]string{"world.*", "entity.*"},
	)
	Expect(err).NotTo(HaveOccurred())

	host := simhost.NewServer("127.0.0.1:0", logger)
	limboCtrl, err := limbo.NewController(host, 50*time.Millisecond, logger)
	Expect(err).NotTo(HaveOccurred())

	client := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	p := &proxy{id: proxyID, ledger: ledger, client: client}

	p.sync, err = cluster.NewSynchronizer(client, "nexauth:events", proxyID,
		func(ev cluster.Event) { p.gate.ApplyClusterEvent(ev) }, logger)
	Expect(err).NotTo(HaveOccurred())

	p.gate, err = gate.New(gate.Config{
		Backend:             "survival-1",
		InactivityTimeout:   5 * time.Second,
		VerifyTimeout:       5 * time.Second,
		SecondFactorTimeout: 5 * time.Second,
	}, env.svc, ledger, sessions, rules, limboCtrl, host,
		gate.WithLogger(logger),
		gate.WithBroadcaster(p.sync),
	)
	Expect(err).NotTo(HaveOccurred())
	host.SetGate(p.gate)

	Expect(p.sync.Start(env.ctx)).To(Succeed())

	ctx, cancel := context.WithCancel(env.ctx)
	p.cancel = cancel
	go func() {
		defer GinkgoRecover()
		_ = host.Run(ctx)
	}()

	Eventually(host.Addr, 5*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())
	p.addr = host.Addr()
	return p
}

func (p *proxy) stop() {
	p.gate.Shutdown("test over")
	p.cancel()
	p.sync.Stop()
	_ = p.client.Close()
	p.ledger.Stop()
}

// client is a line-protocol test client.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialProxy(addr string) *testClient {
	GinkgoHelper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	GinkgoHelper()
	_, err := fmt.Fprintln(c.conn, line)
	Expect(err).NotTo(HaveOccurred())
}

// expect reads lines, skipping keep-alives, until one starts with the
// given prefix.
func (c *testClient) expect(prefix string) string {
	GinkgoHelper()
	deadline := time.Now().Add(5 * time.Second)
	Expect(c.conn.SetReadDeadline(deadline)).To(Succeed())
	for {
		line, err := c.reader.ReadString('\n')
		Expect(err).NotTo(HaveOccurred(), "waiting for %q", prefix)
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "KEEPALIVE|") {
			continue
		}
		Expect(line).To(HavePrefix(prefix))
		return line
	}
}

// tryLine reads the next meaningful line, or "" on error. Used inside
// Eventually loops where failure just means retry.
func (c *testClient) tryLine() string {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return ""
	}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return ""
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "KEEPALIVE|") {
			continue
		}
		return line
	}
}

// expectClosed drains the connection until EOF, tolerating trailing
// keep-alives and messages.
func (c *testClient) expectClosed() {
	GinkgoHelper()
	Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	for {
		if _, err := c.reader.ReadString('\n'); err != nil {
			return
		}
	}
}

func (c *testClient) login(name, password string) {
	GinkgoHelper()
	c.send("HELLO|" + name)
	c.expect("PLACE|limbo")
	c.expect("PROMPT|")
	c.send("chat.message|" + password)
}

var _ = Describe("Gatekeeper", func() {
	var p *proxy

	BeforeEach(func() {
		p = startProxy("proxy-a")
		DeferCleanup(p.stop)
	})

	Describe("password login", func() {
		It("releases a registered player to the backend", func() {
			_, _, err := env.svc.Register(env.ctx, "Steve", "correct horse", false)
			Expect(err).NotTo(HaveOccurred())

			c := dialProxy(p.addr)
			c.login("Steve", "correct horse")
			c.expect("HANDOFF|survival-1")
			c.expect("MSG|")

			// Released connections pass through untouched.
			c.send("chat.message|hello world")
			Expect(c.expect("FWD|")).To(Equal("FWD|chat.message|hello world"))
		})

		It("kicks on wrong password without leaking whether the name exists", func() {
			_, _, err := env.svc.Register(env.ctx, "Alex", "real password", false)
			Expect(err).NotTo(HaveOccurred())

			known := dialProxy(p.addr)
			known.login("Alex", "wrong password")
			knownKick := known.expect("KICK|")
			known.expectClosed()

			unknown := dialProxy(p.addr)
			unknown.login("NoSuchPlayer", "anything")
			Expect(unknown.expect("KICK|")).To(Equal(knownKick))
			unknown.expectClosed()
		})

		It("locks out after repeated failures and recovers after the lockout", func() {
			_, _, err := env.svc.Register(env.ctx, "Creeper", "sssecret", false)
			Expect(err).NotTo(HaveOccurred())

			for range 3 {
				c := dialProxy(p.addr)
				c.login("Creeper", "nope")
				c.expect("KICK|")
				c.expectClosed()
			}

			locked := dialProxy(p.addr)
			locked.login("Creeper", "sssecret")
			Expect(locked.expect("KICK|")).To(ContainSubstring("Too many failed attempts"))
			locked.expectClosed()

			// LockoutBase is 1s in this suite; wait it out.
			Eventually(func() string {
				c := dialProxy(p.addr)
				c.login("Creeper", "sssecret")
				return c.tryLine()
			}, 5*time.Second, 600*time.Millisecond).Should(HavePrefix("HANDOFF|"))
		})
	})

	Describe("second factor", func() {
		It("requires a valid one-time code before release", func() {
			_, secret, err := env.svc.Register(env.ctx, "Enderman", "voidwalker", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(secret).NotTo(BeEmpty())

			c := dialProxy(p.addr)
			c.login("Enderman", "voidwalker")
			c.expect("PROMPT|")

			code, err := totp.GenerateCode(secret, time.Now())
			Expect(err).NotTo(HaveOccurred())
			c.send("chat.message|" + code)
			c.expect("HANDOFF|survival-1")
		})
	})

	Describe("packet filtering", func() {
		It("drops gameplay traffic before authentication", func() {
			_, _, err := env.svc.Register(env.ctx, "Villager", "emeralds", false)
			Expect(err).NotTo(HaveOccurred())

			c := dialProxy(p.addr)
			c.send("HELLO|Villager")
			c.expect("PLACE|limbo")
			c.expect("PROMPT|")

			// Not on the pre-auth allowlist: swallowed, never forwarded.
			c.send("move.position|1,2,3")
			c.send("chat.message|emeralds")
			c.expect("HANDOFF|survival-1")
		})
	})
})

var _ = Describe("Cluster", func() {
	It("kicks the old session when the player logs in on a sibling proxy", func() {
		a := startProxy("proxy-a")
		DeferCleanup(a.stop)
		b := startProxy("proxy-b")
		DeferCleanup(b.stop)

		_, _, err := env.svc.Register(env.ctx, "Herobrine", "never seen", false)
		Expect(err).NotTo(HaveOccurred())

		first := dialProxy(a.addr)
		first.login("Herobrine", "never seen")
		first.expect("HANDOFF|survival-1")

		second := dialProxy(b.addr)
		second.login("Herobrine", "never seen")
		second.expect("HANDOFF|survival-1")

		Expect(first.expect("KICK|")).To(ContainSubstring("another location"))
		first.expectClosed()
	})

	It("clears a lockout fleet-wide on a LOCKOUT_CLEAR event", func() {
		a := startProxy("proxy-a")
		DeferCleanup(a.stop)

		_, _, err := env.svc.Register(env.ctx, "Pillager", "crossbow", false)
		Expect(err).NotTo(HaveOccurred())

		for range 3 {
			c := dialProxy(a.addr)
			c.login("Pillager", "nope")
			c.expect("KICK|")
			c.expectClosed()
		}

		// Publish from a distinct origin so proxy-a does not skip it.
		admin := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
		defer admin.Close()
		adminSync, err := cluster.NewSynchronizer(admin, "nexauth:events", "admin-cli", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(adminSync.Publish(env.ctx, cluster.Event{
			Type:         cluster.EventLockoutClear,
			IdentityName: "Pillager",
		})).To(Succeed())

		Eventually(func() string {
			c := dialProxy(a.addr)
			c.login("Pillager", "crossbow")
			return c.tryLine()
		}, 5*time.Second, 200*time.Millisecond).Should(HavePrefix("HANDOFF|"))
	})
})
