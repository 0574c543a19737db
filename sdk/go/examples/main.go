package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"RelayAgent/sdk/go/relay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(relay.Reply{ConversationID: r.PathValue("id"), Reply: "Recorded $5.00 for coffee."})
	})
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(relay.Run{ID: "run-demo", ConversationID: "demo", Status: "pending", MaxRetries: 3})
	})
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(relay.Run{
			ID:             r.PathValue("id"),
			ConversationID: "demo",
			Status:         "succeeded",
			Attempts:       1,
			MaxRetries:     3,
			Reply:          "You have 2 open tasks.",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := relay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Ask(ctx, "demo", "spent $5 on coffee")
	if err != nil {
		panic(err)
	}
	fmt.Printf("reply: %s\n", reply.Reply)

	run, err := client.Submit(ctx, relay.RunRequest{ConversationID: "demo", Message: "what is left on my list?"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", run.ID, run.Status)

	done, err := client.WaitRun(ctx, run.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: %s\n", done.ID, done.Reply)
}
