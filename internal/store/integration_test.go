//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/consensus/internal/consensus"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("consensus_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		panic("start postgres: " + err.Error())
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		panic("pg connection string: " + err.Error())
	}

	testStore, err = New(dsn, zap.NewNop())
	if err != nil {
		container.Terminate(ctx)
		panic(err)
	}
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		container.Terminate(ctx)
		panic(err)
	}

	code := m.Run()
	testStore.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func TestPostgresRoundsAreUpserted(t *testing.T) {
	ctx := context.Background()
	id, err := testStore.CreateConversation(ctx, "u1", "is this durable?", 2, 80)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r := consensus.RoundResult{
		Round:      1,
		Responses:  map[string]string{"m1": "yes", "m2": "no"},
		Evaluation: consensus.FallbackEvaluation(errors.New("boom")),
		SearchData: &consensus.SearchData{Query: "q", Round: 1, TriggeredBy: consensus.TriggeredByUser},
	}
	if err := testStore.SaveRound(ctx, id, r); err != nil {
		t.Fatalf("save round: %v", err)
	}
	r.Responses["m2"] = "actually yes"
	if err := testStore.SaveRound(ctx, id, r); err != nil {
		t.Fatalf("save round again: %v", err)
	}
	if err := testStore.UpdateResult(ctx, id, "both agree", 91, 1); err != nil {
		t.Fatalf("update result: %v", err)
	}

	c, err := testStore.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(c.Rounds) != 1 || c.Rounds[0].Responses["m2"] != "actually yes" {
		t.Errorf("rounds = %+v", c.Rounds)
	}
	if c.Rounds[0].SearchData == nil || c.Rounds[0].SearchData.Query != "q" {
		t.Errorf("search data = %+v", c.Rounds[0].SearchData)
	}
	if c.Status != StatusComplete || *c.FinalScore != 91 {
		t.Errorf("conversation = %+v", c)
	}
}

func TestPostgresCheckpoints(t *testing.T) {
	ctx := context.Background()
	id, _ := testStore.CreateConversation(ctx, "u1", "p", 3, 80)

	if err := testStore.SaveCheckpoint(ctx, id, "rounds", []byte(`{"phase":"rounds","currentRound":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	ids, err := testStore.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, x := range ids {
		found = found || x == id
	}
	if !found {
		t.Errorf("%s not in incomplete list %v", id, ids)
	}

	testStore.SaveCheckpoint(ctx, id, PhaseComplete, []byte(`{"phase":"complete"}`))
	state, err := testStore.LoadCheckpoint(ctx, id)
	if err != nil || !strings.Contains(string(state), "complete") {
		t.Errorf("load = %s, %v", state, err)
	}
}

func TestPostgresKeysAndUsage(t *testing.T) {
	os.Setenv(EncryptKeyEnv, strings.Repeat("0f", 32))
	ctx := context.Background()

	if err := testStore.SaveKey(ctx, "u9", consensus.ProviderAnthropic, "sk-ant"); err != nil {
		t.Fatalf("save key: %v", err)
	}
	keys, err := testStore.GetKeys(ctx, "u9")
	if err != nil || keys[consensus.ProviderAnthropic] != "sk-ant" {
		t.Fatalf("keys = %v, %v", keys, err)
	}

	testStore.IncrementUsage(ctx, "u9")
	n, err := testStore.IncrementUsage(ctx, "u9")
	if err != nil || n != 2 {
		t.Errorf("usage = %d, %v", n, err)
	}
}
