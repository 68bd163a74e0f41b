package ledger

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/theoryrun/theorycore/pkg/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReserve_IncrementsAndChains(t *testing.T) {
	l := openTestLedger(t)

	e1, err := l.Reserve("plan-a", 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, e1.Seq)
	assert.Empty(t, e1.PrevHash)

	e2, err := l.Reserve("plan-a", 500)
	require.NoError(t, err)
	assert.EqualValues(t, 2, e2.Seq)
	assert.Equal(t, e1.ThisHash, e2.PrevHash)

	plan, err := l.GetPlan("plan-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1500, plan.ReservedMicro)
	assert.EqualValues(t, 0, plan.SpentMicro)

	require.NoError(t, l.VerifyChain("plan-a"))
}

func TestReserve_RejectsNegativeAmount(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Reserve("plan-a", -1)
	assert.ErrorIs(t, err, ErrNegativeBudget)
}

func TestReserve_Concurrent5x1000_ExactTotalsAndContiguousSeq(t *testing.T) {
	l := openTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve("plan-race", 1000)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	plan, err := l.GetPlan("plan-race")
	require.NoError(t, err)
	assert.EqualValues(t, 5000, plan.ReservedMicro)

	events, err := l.Events("plan-race")
	require.NoError(t, err)
	require.Len(t, events, 5)
	seqs := make(map[uint64]bool, 5)
	for _, e := range events {
		seqs[e.Seq] = true
	}
	for seq := uint64(1); seq <= 5; seq++ {
		assert.True(t, seqs[seq], "missing seq %d", seq)
	}

	require.NoError(t, l.VerifyChain("plan-race"))
}

func TestSettleSuccess_ReleasesEstimateAndSpendsActual(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Reserve("plan-b", 10000)
	require.NoError(t, err)

	_, err = l.SettleSuccess(SettleSuccessParams{
		Plan:            "plan-b",
		Execution:       "exec-1",
		EstimateHiMicro: 10000,
		ActualMicro:     6000,
		DeterminismURI:  "world://artifacts/exec-1/outputs.json",
	})
	require.NoError(t, err)

	plan, err := l.GetPlan("plan-b")
	require.NoError(t, err)
	assert.EqualValues(t, 0, plan.ReservedMicro)
	assert.EqualValues(t, 6000, plan.SpentMicro)

	require.NoError(t, l.VerifyChain("plan-b"))
}

func TestSettleFailure_ReleasesEstimateWithoutCharging(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Reserve("plan-c", 5000)
	require.NoError(t, err)

	_, err = l.SettleFailure(SettleFailureParams{
		Plan:            "plan-c",
		Execution:       "exec-2",
		EstimateHiMicro: 5000,
		MeteredActual:   0,
		Reason:          "ERR_RUNTIME",
	})
	require.NoError(t, err)

	plan, err := l.GetPlan("plan-c")
	require.NoError(t, err)
	assert.EqualValues(t, 0, plan.ReservedMicro)
	assert.EqualValues(t, 0, plan.SpentMicro)
}

func TestSettle_RejectsDriveBelowZero(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Reserve("plan-d", 100)
	require.NoError(t, err)

	_, err = l.SettleSuccess(SettleSuccessParams{
		Plan:            "plan-d",
		Execution:       "exec-3",
		EstimateHiMicro: 1000, // exceeds what was reserved
		ActualMicro:     0,
	})
	assert.ErrorIs(t, err, ErrNegativeBudget)
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Reserve("plan-e", 1)
	require.NoError(t, err)
	require.NoError(t, l.VerifyChain("plan-e"))

	err = l.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketEvents).Bucket([]byte("plan-e"))
		var ev types.Event
		k, v := pb.Cursor().First()
		require.NoError(t, json.Unmarshal(v, &ev))
		ev.Payload = []byte(`{"event_type":"tampered"}`)
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		return pb.Put(k, data)
	})
	require.NoError(t, err)

	assert.Error(t, l.VerifyChain("plan-e"))
}

func TestGetPlan_UnknownPlan(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.GetPlan("never-reserved")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestAppend_GenericPayloadChains(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Reserve("plan-f", 1)
	require.NoError(t, err)

	e, err := l.Append("plan-f", []byte(`{"event_type":"note","text":"hello"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e.Seq)

	require.NoError(t, l.VerifyChain("plan-f"))
}
