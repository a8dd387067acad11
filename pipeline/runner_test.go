package pipeline_test

import (
	"context"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/db"
	"github.com/brettboylen/bluesky-tracker/feed"
	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/pipeline"
	"github.com/brettboylen/bluesky-tracker/profile"
	"github.com/brettboylen/bluesky-tracker/sentiment"
	"github.com/brettboylen/bluesky-tracker/stats"
	"github.com/brettboylen/bluesky-tracker/thread"
	"github.com/brettboylen/bluesky-tracker/utils"
)

var _ = Describe("Runner", func() {
	var (
		ctx      context.Context
		logger   *logrus.Logger
		server   *mockBluesky
		database *db.Database
		session  *db.Session
		runner   *pipeline.Runner
		now      = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)
	)

	seed := func(s utils.AccountSeed) {
		_, err := runner.Seed(ctx, []utils.AccountSeed{s})
		Expect(err).NotTo(HaveOccurred())
	}

	account := func() *models.Account {
		acc, err := session.AccountByHandle(aliceHandle)
		Expect(err).NotTo(HaveOccurred())
		Expect(acc).NotTo(BeNil())
		return acc
	}

	postByURI := func(uri string) *models.Post {
		post, err := session.PostByURI(uri)
		Expect(err).NotTo(HaveOccurred())
		Expect(post).NotTo(BeNil(), uri)
		return post
	}

	countPosts := func() int64 {
		n, err := db.Count[models.Post](session, "")
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = logrus.New()
		logger.SetOutput(io.Discard)

		server = newMockBluesky()
		DeferCleanup(server.Close)

		var err error
		database, err = db.NewDatabase(db.DatabaseConfig{Driver: db.DriverSQLite, Path: ":memory:"}, logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(database.Close)
		session = database.NewSession(ctx)

		client := api.NewClient(api.Config{
			PDSURL:               server.URL,
			APIURL:               server.URL,
			MaxRequestsPerMinute: 60000,
		}, logger)

		crawler := feed.NewCrawler(client, feed.Config{}, logger)
		crawler.SetClock(func() time.Time { return now })
		reconstructor := thread.NewReconstructor(client, thread.Config{
			Eligibility: thread.Eligibility{RespectStartAt: true},
		}, logger)
		reconstructor.SetClock(func() time.Time { return now })

		runner = pipeline.NewRunner(
			database,
			api.NewAuthenticator(client, "tracker.bsky.social", "app-password"),
			pipeline.Stages{
				Profiles:   profile.NewRefresher(client, logger),
				Feed:       crawler,
				Threads:    reconstructor,
				Sentiment:  sentiment.NewService(sentiment.NewRegistry(), logger),
				Statistics: stats.NewAggregator(sentiment.ToolLexicon, logger),
			},
			pipeline.Config{Workers: 2, Tool: sentiment.ToolLexicon},
			logger,
		)
	})

	Context("when running all accounts", func() {
		BeforeEach(func() {
			seed(utils.AccountSeed{Handle: aliceHandle, StartAt: "2025-01-19"})
		})

		It("builds the forest, the scores and the statistics", func() {
			Expect(runner.RunAll(ctx)).To(Succeed())

			acc := account()
			Expect(acc.DID).To(Equal(aliceDID))
			Expect(acc.FollowersCount).To(Equal(int64(120)))
			Expect(acc.TimestampFeed).NotTo(BeNil())
			Expect(acc.TimestampReplyTrees).NotTo(BeNil())
			Expect(acc.TimestampSentiment).NotTo(BeNil())
			Expect(acc.TimestampStatistics).NotTo(BeNil())

			// r0 lies before start_at
			Expect(countPosts()).To(Equal(int64(5)))
			old, err := session.PostByURI("at://did:plc:alice/app.bsky.feed.post/r0")
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(BeNil())

			root := postByURI("at://did:plc:alice/app.bsky.feed.post/r1")
			Expect(root.LikeCount).To(Equal(int64(7)))
			Expect(root.ReplyTreeChecked).To(BeTrue())

			reply := postByURI("at://did:plc:alice/app.bsky.feed.post/c")
			Expect(reply.ParentID).NotTo(BeNil())
			Expect(*reply.RootID).To(Equal(root.ID))
			Expect(*reply.AccountID).To(Equal(acc.ID))

			rootStats, err := session.StatisticsFor(root.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rootStats).NotTo(BeNil())
			Expect(rootStats.TotalNumberOfReplies).To(Equal(int64(3)))
			Expect(rootStats.NrOfReplies).To(Equal(int64(2)))
			Expect(rootStats.ReplyTreeDepth).To(Equal(int64(2)))
			Expect(rootStats.CountedAllReplies).To(BeTrue())

			sentiments, err := db.Count[models.Sentiment](session, "tool = ?", sentiment.ToolLexicon)
			Expect(err).NotTo(HaveOccurred())
			Expect(sentiments).To(Equal(int64(5)))

			logs, err := session.ScrapingLogs(acc.ID, models.ScrapingLogTypeFeed)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(2))
			for _, entry := range logs {
				Expect(entry.Completed).To(BeTrue())
			}

			days, err := session.DayStatisticsFor(acc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(days).To(HaveLen(2))

			status := runner.Status()
			Expect(status.Running).To(BeFalse())
			Expect(status.AccountsDone).To(Equal(1))
			Expect(status.AccountsFailed).To(Equal(0))
			Expect(status.LastError).To(BeEmpty())
			Expect(status.LastFinish).NotTo(BeNil())
		})

		It("is idempotent", func() {
			Expect(runner.RunAll(ctx)).To(Succeed())
			root := postByURI("at://did:plc:alice/app.bsky.feed.post/r1")
			first, err := session.StatisticsFor(root.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(runner.RunAll(ctx)).To(Succeed())
			Expect(countPosts()).To(Equal(int64(5)))

			second, err := session.StatisticsFor(root.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.TotalNumberOfReplies).To(Equal(first.TotalNumberOfReplies))
			Expect(second.AvgSentimentReplies).To(Equal(first.AvgSentimentReplies))

			// one profile snapshot per interval
			Expect(server.count("getProfile")).To(Equal(1))
		})

		It("re-authenticates once when the token is rejected", func() {
			server.reject("jwt-1")

			Expect(runner.RunAll(ctx)).To(Succeed())
			Expect(server.count("createSession")).To(Equal(2))
			Expect(countPosts()).To(Equal(int64(5)))
		})

		It("fails the account when every token is rejected", func() {
			server.reject("jwt-1")
			server.reject("jwt-2")

			err := runner.RunAll(ctx)
			Expect(err).To(HaveOccurred())
			Expect(api.IsAuthError(err)).To(BeTrue())
			Expect(runner.Status().AccountsFailed).To(Equal(1))
			Expect(runner.Status().LastError).NotTo(BeEmpty())
		})

		It("rejects a second run while one is in progress", func() {
			gate := make(chan struct{})
			server.mutex.Lock()
			server.profileGate = gate
			server.mutex.Unlock()

			done := make(chan error, 1)
			go func() { done <- runner.RunAll(ctx) }()

			Eventually(func() bool { return runner.Status().Running }).Should(BeTrue())
			Expect(runner.RunAccount(ctx, aliceHandle)).To(MatchError(pipeline.ErrRunInProgress))
			_, err := runner.Cleanup(ctx, false)
			Expect(err).To(MatchError(pipeline.ErrRunInProgress))

			close(gate)
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))
			Expect(runner.Status().Running).To(BeFalse())
		})
	})

	Context("when an account asks for forced updates", func() {
		It("clears every force flag after its stage succeeded", func() {
			seed(utils.AccountSeed{
				Handle:               aliceHandle,
				StartAt:              "2025-01-19",
				ForceFeedUpdate:      true,
				ForceReplyUpdate:     true,
				ForceSentimentUpdate: true,
				ForceStatistics:      true,
			})

			Expect(runner.RunAccount(ctx, aliceHandle)).To(Succeed())

			acc := account()
			Expect(acc.ForceFeedUpdate).To(BeFalse())
			Expect(acc.ForceReplyUpdate).To(BeFalse())
			Expect(acc.ForceSentimentUpdate).To(BeFalse())
			Expect(acc.ForceStatistics).To(BeFalse())
		})
	})

	Context("when running a single account", func() {
		It("rejects an unknown handle", func() {
			err := runner.RunAccount(ctx, "nobody.bsky.social")
			Expect(err).To(MatchError(pipeline.ErrUnknownAccount))
		})

		It("claims the runner before a background run returns", func() {
			seed(utils.AccountSeed{Handle: aliceHandle, StartAt: "2025-01-19"})
			gate := make(chan struct{})
			server.mutex.Lock()
			server.profileGate = gate
			server.mutex.Unlock()

			Expect(runner.StartAccount(ctx, aliceHandle)).To(Succeed())
			Expect(runner.Status().Running).To(BeTrue())
			Expect(runner.Status().Scope).To(Equal(aliceHandle))
			Expect(runner.StartAccount(ctx, aliceHandle)).To(MatchError(pipeline.ErrRunInProgress))

			close(gate)
			Eventually(func() bool { return runner.Status().Running }, 10*time.Second).Should(BeFalse())
			Expect(runner.Status().AccountsDone).To(Equal(1))
			Expect(runner.Status().LastError).To(BeEmpty())
		})

		It("releases the runner when a background run names an unknown handle", func() {
			err := runner.StartAccount(ctx, "nobody.bsky.social")
			Expect(err).To(MatchError(pipeline.ErrUnknownAccount))
			Expect(runner.Status().Running).To(BeFalse())
		})

		It("skips inactive accounts in a full run", func() {
			inactive := false
			seed(utils.AccountSeed{Handle: aliceHandle, Active: &inactive})

			Expect(runner.RunAll(ctx)).To(Succeed())
			Expect(server.count("getAuthorFeed")).To(Equal(0))
			Expect(runner.Status().AccountsTotal).To(Equal(0))
		})
	})

	Context("when cleaning up", func() {
		It("counts orphans on a dry run and deletes them otherwise", func() {
			_, _, err := session.GetOrCreatePost("at://did:plc:zed/app.bsky.feed.post/orphan")
			Expect(err).NotTo(HaveOccurred())

			result, err := runner.Cleanup(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DryRun).To(BeTrue())
			Expect(result.OrphanPosts).To(Equal(int64(1)))
			Expect(countPosts()).To(Equal(int64(1)))

			result, err = runner.Cleanup(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.OrphanPosts).To(Equal(int64(1)))
			Expect(countPosts()).To(Equal(int64(0)))
		})
	})
})
