package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"IntentArc/sdk/go/intentarc"
)

// 用法: go run ./sdk/go/examples -addr http://localhost:8080 "Send $50 to Alice"
func main() {
	addr := flag.String("addr", "http://localhost:8080", "IntentArc API address")
	flag.Parse()
	text := "Send $50 to Alice"
	if flag.NArg() > 0 {
		text = flag.Arg(0)
	}

	client, err := intentarc.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	welcome, err := client.OpenSession(ctx, "", "")
	if err != nil {
		log.Fatal(err)
	}
	session := welcome.SessionID
	defer client.CloseSession(context.Background(), session)

	reply, err := client.Send(ctx, session, text)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(reply.Text)
	if reply.Kind != "proposal" {
		return
	}

	submitted, err := client.Confirm(ctx, session)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(submitted.Text)

	tx, err := client.WaitSettled(ctx, session, 2*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("transaction %s settled: status=%s confirmations=%d\n", tx.Hash, tx.Status, tx.Confirmations)
}
