package main

import (
	"context"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moff.io/moff-vault/internal/aws"
	"moff.io/moff-vault/internal/bot"
	"moff.io/moff-vault/internal/bridge"
	"moff.io/moff-vault/internal/cache"
	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/internal/database"
	"moff.io/moff-vault/internal/databus"
	"moff.io/moff-vault/internal/discord"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/internal/http"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/internal/relay"
	"moff.io/moff-vault/internal/roles"
	"moff.io/moff-vault/internal/starter"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.WithStackAndReport(errors.Recovered(i)))
		}
	}()
	config.Read()
	conf := config.Global
	log.SetLevel(conf.LogLevel)
	if err := errors.NewSentryReporter(conf.SentryDSN); err != nil {
		log.Warnf("sentry reporter: %v", err)
	}
	errors.NewLarkReporter(conf.LarkAlarmWebhook, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := openStore(ctx, conf)
	defer closeStore()
	guilds := guild.NewRegistry(store, conf.DefaultChainID)

	table, err := chains.NewTable(conf.Chains)
	if err != nil {
		log.Fatal(err)
	}
	balances := chains.NewBalances(table, chains.DialEthclient)
	defer balances.Close()
	subscriber := chains.NewSubscriber(balances)
	defer subscriber.Close()

	var bus databus.Publisher = databus.Nop{}
	var stoppers []starter.Stopable
	if conf.KafkaServer != "" {
		db, err := databus.NewDataBus(conf.KafkaServer, conf.KafkaTopic)
		if err != nil {
			log.Fatal(err)
		}
		bus = db
		stoppers = append(stoppers, db)
	}

	session, err := discord.NewSession(&conf.DiscordBot)
	if err != nil {
		log.Fatal(err)
	}
	platform := discord.NewPlatform(session, conf.DiscordBot.AppID)

	reg := pairing.NewRegistry(guilds, balances,
		pairing.WithTTL(conf.Pairing.TokenTTL),
		pairing.WithTokenBytes(conf.Pairing.TokenBytes),
	)
	engine := roles.NewEngine(guilds, table, platform, balances, subscriber, bus)
	subscriber.OnBlock(engine.OnBlock)
	rel := relay.NewRelay(guilds, reg, bot.NewNotifier(platform))
	starter.Start(ctx, conf, engine, rel)

	deps := bot.Deps{
		Config:    conf,
		Guilds:    guilds,
		Chains:    table,
		Balances:  balances,
		Pairing:   reg,
		Engine:    engine,
		Relay:     rel,
		Messenger: platform,
		Bus:       bus,
		Limiter:   connectLimiter(ctx, conf),
	}
	if conf.AwsS3.Enabled() {
		bucket, err := aws.NewBucket(ctx, conf.AwsS3.Bucket.Name, conf.AwsS3.Bucket.Region)
		if err != nil {
			log.Fatal(err)
		}
		deps.Images = bucket
	}
	dispatcher := bot.NewDispatcher(ctx, deps)

	hubOpts := []bridge.Option{bridge.WithCheckOrigin(func(r *nethttp.Request) bool {
		return conf.HTTP.AllowOrigin(r.Header.Get("Origin"))
	})}
	if conf.HTTP.PingInterval > 0 {
		hubOpts = append(hubOpts, bridge.WithPingInterval(conf.HTTP.PingInterval))
	}
	hub := bridge.NewHub(dispatcher, hubOpts...)
	stoppers = append(stoppers, hub)
	server := http.NewServer(conf.HTTP, hub, func() map[string]interface{} {
		return map[string]interface{}{
			"guilds":         len(guilds.All()),
			"connections":    hub.Count(),
			"pending_tokens": reg.Pending(),
			"pending_relays": rel.Pending(),
		}
	})
	server.Start()

	b := discord.NewBot(ctx, session, platform, dispatcher)
	if err := b.Open(); err != nil {
		log.Fatal(err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infof("Gracefully shutting down")

	if err := b.Close(); err != nil {
		log.Warnf("close discord session: %v", err)
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown http server: %v", err)
	}
	starter.Stop(stoppers...)
	cancel()
	engine.Wait()
}

// openStore picks the guild store backend. Postgres and redis keep bindings
// and rules across restarts.
func openStore(ctx context.Context, conf *config.Configuration) (guild.Store, func()) {
	switch conf.Storage.Driver {
	case config.StoragePostgres:
		cli, err := database.OpenPostgres(&conf.Postgres)
		if err != nil {
			log.Fatal(err)
		}
		return database.NewGuildStore(cli), func() { database.Close(cli) }
	case config.StorageRedis:
		cli, err := cache.Connect(ctx, &conf.RedisCredential)
		if err != nil {
			log.Fatal(err)
		}
		return cache.NewGuildStore(cli), func() { _ = cli.Close() }
	default:
		log.Warn("Using in-memory storage, bindings are lost on restart")
		return guild.NewMemoryStore(), func() {}
	}
}

// connectLimiter throttles /connect when redis is reachable.
func connectLimiter(ctx context.Context, conf *config.Configuration) bot.ConnectLimiter {
	if conf.RateLimit.ConnectPerMinute <= 0 || conf.RedisCredential.Address == "" {
		return nil
	}
	cli, err := cache.Connect(ctx, &conf.RedisCredential)
	if err != nil {
		log.Warnf("connect rate limit disabled: %v", err)
		return nil
	}
	return cache.NewConnectLimiter(cli, conf.RateLimit.ConnectPerMinute)
}
