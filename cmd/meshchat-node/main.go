package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"meshchat/internal/crypto"
	"meshchat/internal/dht"
	"meshchat/internal/group"
	"meshchat/internal/metrics"
	"meshchat/internal/network"
	"meshchat/internal/proto"
	"meshchat/internal/relay"
	"meshchat/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "relay":
		return runRelay(args[1:], stdout, stderr)
	case "create":
		return runNode(args[1:], stdout, stderr, true)
	case "join":
		return runNode(args[1:], stdout, stderr, false)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshchat-node <relay|create|join> [args]")
	fmt.Fprintln(w, "  relay  --addr <ip:port>")
	fmt.Fprintln(w, "  create --relay <ip:port> --name <group> --nick <nick> [--private] [--password <pw>] [--udp <ip:port>] [--debug]")
	fmt.Fprintln(w, "  join   --relay <ip:port> --chat <hex chat id> --nick <nick> [--password <pw>] [--udp <ip:port>] [--debug]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshchat")
}

func runRelay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:33445", "listen addr (host:port)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ready := make(chan string, 1)
	go func() {
		fmt.Fprintf(stdout, "relay listening on %s\n", <-ready)
	}()
	if err := relay.Serve(context.Background(), *addr, ready); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}
	return 0
}

func runNode(args []string, stdout, stderr io.Writer, create bool) int {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayAddr := fs.String("relay", "127.0.0.1:33445", "relay addr (host:port)")
	name := fs.String("name", "", "group name (create)")
	chatHex := fs.String("chat", "", "chat id in hex (join)")
	announceHex := fs.String("announce", "", "announce blob from the founder (join)")
	nick := fs.String("nick", "", "nick")
	password := fs.String("password", "", "group password")
	private := fs.Bool("private", false, "create the group as private")
	udpAddr := fs.String("udp", "127.0.0.1:0", "local udp addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("MESHCHAT_DEBUG", "1")
	}
	if *nick == "" {
		fmt.Fprintln(stderr, "missing --nick")
		return 1
	}

	udp, err := network.NewUDP(*udpAddr)
	if err != nil {
		fmt.Fprintf(stderr, "udp: %v\n", err)
		return 1
	}
	defer udp.Close()

	relayAP, err := netip.ParseAddrPort(*relayAddr)
	if err != nil {
		fmt.Fprintf(stderr, "relay addr: %v\n", err)
		return 1
	}
	relayNode := proto.RelayNode{Addr: proto.IPPortFrom(relayAP)}

	m := metrics.New(prometheus.NewRegistry())
	dhtSvc := dht.NewMemory()
	sess := group.NewSession(group.Options{
		Mux: func(owner [crypto.EncPublicKeySize]byte) (relay.Multiplex, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
			defer cancel()
			return relay.DialQUIC(ctx, *relayAddr, relayNode, owner)
		},
		DHT:     dhtSvc,
		UDP:     udp,
		UDPAddr: udp.LocalAddr(),
		Metrics: m,
	})
	udp.SetHandler(sess.HandleUDPPacket)

	st, err := store.Open(filepath.Join(homeDir(), "groups.db"))
	if err == nil {
		defer st.Close()
	}

	sess.SetCallbacks(group.Callbacks{
		OnMessage: func(gn int, peerID uint32, action bool, msg []byte) {
			if action {
				fmt.Fprintf(stdout, "* %d %s\n", peerID, msg)
				return
			}
			fmt.Fprintf(stdout, "<%d> %s\n", peerID, msg)
		},
		OnPrivateMessage: func(gn int, peerID uint32, msg []byte) {
			fmt.Fprintf(stdout, "[private] <%d> %s\n", peerID, msg)
		},
		OnTopicChange: func(gn int, peerID uint32, topic []byte) {
			fmt.Fprintf(stdout, "-- topic: %s\n", topic)
		},
		OnPeerJoin: func(gn int, peerID uint32) {
			fmt.Fprintf(stdout, "-- peer %d joined\n", peerID)
		},
		OnPeerExit: func(gn int, peerID uint32, part []byte) {
			fmt.Fprintf(stdout, "-- peer %d left (%s)\n", peerID, part)
		},
		OnSelfJoin: func(gn int) {
			fmt.Fprintln(stdout, "-- connected")
		},
		OnRejected: func(gn int, reason byte) {
			fmt.Fprintf(stdout, "-- rejected: %d\n", reason)
		},
	})

	var gn int
	info := group.SelfInfo{Nick: []byte(*nick)}
	if create {
		if *name == "" {
			fmt.Fprintln(stderr, "missing --name")
			return 1
		}
		privacy := proto.PrivacyPublic
		if *private {
			privacy = proto.PrivacyPrivate
		}
		gn, err = sess.NewGroup(privacy, []byte(*name), info)
		if err == nil && *password != "" {
			err = sess.SetPassword(gn, []byte(*password))
		}
	} else {
		raw, decErr := hex.DecodeString(strings.TrimSpace(*chatHex))
		if decErr != nil || len(raw) != crypto.ChatIDSize {
			fmt.Fprintln(stderr, "bad --chat id")
			return 1
		}
		var chatID [crypto.ChatIDSize]byte
		copy(chatID[:], raw)

		// Without a production DHT the founder's announce blob seeds the
		// lookup table so the join has a first peer to handshake.
		if blob, decErr := hex.DecodeString(strings.TrimSpace(*announceHex)); decErr == nil &&
			len(blob) == crypto.ChatIDSize+crypto.EncPublicKeySize {
			var peerKey [crypto.EncPublicKeySize]byte
			copy(peerKey[:], blob[crypto.ChatIDSize:])
			_ = dhtSvc.Announce(chatID, dht.Announce{PeerKey: peerKey, Relay: relayNode})
		}
		gn, err = sess.JoinGroup(chatID, []byte(*password), info)
	}
	if err != nil {
		fmt.Fprintf(stderr, "group: %v\n", err)
		return 1
	}

	chatID, _ := sess.ChatID(gn)
	fmt.Fprintf(stdout, "chat id: %s\n", hex.EncodeToString(chatID[:]))
	if create {
		if announce, aerr := sess.AnnounceBlob(gn); aerr == nil {
			fmt.Fprintf(stdout, "announce: %s\n", hex.EncodeToString(announce))
		}
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sess.Tick()
		}
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			saveGroup(st, sess, gn, chatID)
			_ = sess.ExitGroup(gn, []byte("bye"))
			return 0
		case strings.HasPrefix(line, "/topic "):
			if err := sess.SetTopic(gn, []byte(strings.TrimPrefix(line, "/topic "))); err != nil {
				fmt.Fprintf(stderr, "topic: %v\n", err)
			}
		case line == "/peers":
			peers, _ := sess.Peers(gn)
			for _, p := range peers {
				fmt.Fprintf(stdout, "%10d role=%d %s\n", p.ID, p.Role, p.Nick)
			}
		case strings.HasPrefix(line, "/me "):
			if err := sess.SendMessage(gn, []byte(strings.TrimPrefix(line, "/me ")), true); err != nil {
				fmt.Fprintf(stderr, "send: %v\n", err)
			}
		default:
			if err := sess.SendMessage(gn, []byte(line), false); err != nil {
				fmt.Fprintf(stderr, "send: %v\n", err)
			}
		}
	}
	saveGroup(st, sess, gn, chatID)
	_ = sess.ExitGroup(gn, nil)
	return 0
}

func saveGroup(st *store.Store, sess *group.Session, gn int, chatID [crypto.ChatIDSize]byte) {
	if st == nil {
		return
	}
	sg, err := sess.Save(gn)
	if err != nil {
		return
	}
	_ = st.Put(chatID[:], sg)
}
