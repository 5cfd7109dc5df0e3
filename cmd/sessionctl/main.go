// Command sessionctl queries a running server over the internal session query
// service and prints the reply as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"semaphore/qrattendance/internal/clients"
	"semaphore/qrattendance/internal/config"
)

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		log.Fatalf("env file: %v", err)
	}
	cfg := config.Load()
	addr := flag.String("addr", cfg.GRPCAddr, "session query service address")
	token := flag.String("token", cfg.ServiceAuthToken, "service auth token")
	timeout := flag.Duration("timeout", 5*time.Second, "dial and call timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: sessionctl [flags] status|present <session-id>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := clients.New(ctx, *addr, *token, *timeout)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	var out *structpb.Struct
	switch cmd, sessionID := flag.Arg(0), flag.Arg(1); cmd {
	case "status":
		out, err = client.GetSessionStatus(ctx, sessionID)
	case "present":
		out, err = client.ListPresentStudents(ctx, sessionID)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
	data, err := protojson.MarshalOptions{Multiline: true}.Marshal(out)
	if err != nil {
		log.Fatalf("encode failed: %v", err)
	}
	fmt.Println(string(data))
}
