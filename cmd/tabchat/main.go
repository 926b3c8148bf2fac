package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/whisper/tabchat/internal/bus"
	"github.com/whisper/tabchat/internal/chat"
	"github.com/whisper/tabchat/internal/kv"
	"github.com/whisper/tabchat/internal/tab"
	"github.com/whisper/tabchat/internal/ws"
)

func main() {
	// Optional; the environment always wins over .env.
	_ = godotenv.Load(".env")

	profile := chat.DefaultProfile
	if v := os.Getenv("PROFILE"); v != "" {
		profile = v
	}
	if _, ok := chat.FindContact(chat.DefaultContacts, profile); !ok {
		log.Fatalf("unknown profile %q", profile)
	}

	channel := bus.DefaultChannel
	if v := os.Getenv("CHANNEL"); v != "" {
		channel = v
	}

	// --- Snapshot store ---
	storeConfig := kv.DefaultConfig()
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		storeConfig.Backend = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		storeConfig.DataDir = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		storeConfig.RedisAddr = v
	}

	// --- Bus ---
	natsConfig := bus.DefaultNATSConfig()
	natsConfig.Name = "tabchat-" + profile
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	primary := "nats"
	if v := os.Getenv("BUS_PRIMARY"); v != "" {
		primary = v
	}
	fallback := "redis"
	if v := os.Getenv("BUS_FALLBACK"); v != "" {
		fallback = v
	}

	var busOpts []bus.Option
	switch primary {
	case "nats":
		busOpts = append(busOpts, bus.WithPrimary(bus.NATSOpener(natsConfig)))
	case "none":
	default:
		log.Fatalf("unknown BUS_PRIMARY %q (want nats or none)", primary)
	}
	switch fallback {
	case "redis":
		busOpts = append(busOpts, bus.WithFallback(bus.RedisSlotsOpener(storeConfig.RedisAddr, storeConfig.Prefix+"slot:")))
	case "none":
	default:
		log.Fatalf("unknown BUS_FALLBACK %q (want redis or none)", fallback)
	}

	// --- UI bridge ---
	serverConfig := ws.DefaultServerConfig()
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		serverConfig.ListenAddr = v
	}
	if v := os.Getenv("UI_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			serverConfig.FrameRate = f
		}
	}
	if v := os.Getenv("UI_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			serverConfig.FrameBurst = n
		}
	}

	log.Printf("tabchat context starting")
	log.Printf("  profile:       %s", profile)
	log.Printf("  channel:       %s", channel)
	log.Printf("  bus_primary:   %s", primary)
	log.Printf("  bus_fallback:  %s", fallback)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  redis_addr:    %s", storeConfig.RedisAddr)
	log.Printf("  store_backend: %s", storeConfig.Backend)
	log.Printf("  data_dir:      %s", storeConfig.DataDir)
	log.Printf("  listen_addr:   %s", serverConfig.ListenAddr)
	log.Printf("  ui_rate:       %.1f/s (burst %d)", serverConfig.FrameRate, serverConfig.FrameBurst)

	snap, err := kv.Open(storeConfig, profile)
	if err != nil {
		log.Fatalf("failed to open snapshot store: %v", err)
	}

	b := bus.New(channel, busOpts...)
	store := chat.NewStore(profile, snap)
	t := tab.New(tab.Config{Profile: profile, Directory: chat.DefaultContacts}, store, b)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	bridge := ws.NewBridge(t, server, dispatcher)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bridge.Close()
		t.Close()
		if err := b.Close(); err != nil {
			log.Printf("bus close error: %v", err)
		}
		if err := snap.Close(); err != nil {
			log.Printf("snapshot store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
