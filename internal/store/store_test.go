package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrankCommitVisible(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartCrank())
	require.NoError(t, s.Set("kv.a", []byte("1")))
	v, ok, err := s.Get("kv.a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))
	require.NoError(t, s.EndCrank())

	v, ok, err = s.Get("kv.a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))
}

func TestNestedSavepointRollback(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartCrank())
	require.NoError(t, s.Set("kv.a", []byte("1")))
	require.NoError(t, s.CreateSavepoint("start"))
	require.NoError(t, s.Set("kv.a", []byte("2")))
	require.NoError(t, s.CreateSavepoint("deliver"))
	require.NoError(t, s.Set("kv.a", []byte("3")))
	require.NoError(t, s.Delete("kv.b"))

	require.NoError(t, s.RollbackTo("deliver"))
	v, ok, _ := s.Get("kv.a")
	require.True(t, ok)
	require.Equal(t, "2", string(v))

	require.NoError(t, s.RollbackTo("start"))
	v, ok, _ = s.Get("kv.a")
	require.True(t, ok)
	require.Equal(t, "1", string(v))
	require.NoError(t, s.EndCrank())
}

func TestRollbackToStartDiscardsWholeCrank(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("kv.a", []byte("orig")))

	require.NoError(t, s.StartCrank())
	require.NoError(t, s.CreateSavepoint("start"))
	require.NoError(t, s.Set("kv.a", []byte("mutated")))
	require.NoError(t, s.RollbackTo("start"))
	require.NoError(t, s.EndCrank())

	v, ok, _ := s.Get("kv.a")
	require.True(t, ok)
	require.Equal(t, "orig", string(v))
}

func TestEnumeratePrefixSeesUncommitted(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("rq.0", []byte("x")))
	require.NoError(t, s.StartCrank())
	require.NoError(t, s.Set("rq.1", []byte("y")))
	keys, err := s.Enumerate("rq.")
	require.NoError(t, err)
	require.Equal(t, []string{"rq.0", "rq.1"}, keys)
	require.NoError(t, s.EndCrank())
}

func TestIsInCrankAndWaitForCrank(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	require.False(t, s.IsInCrank())
	require.NoError(t, s.StartCrank())
	require.True(t, s.IsInCrank())

	done := make(chan struct{})
	go func() {
		s.WaitForCrank()
		close(done)
	}()

	require.NoError(t, s.EndCrank())
	<-done
}

func TestCompressedLargeValueRoundtrips(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7)
	}
	require.NoError(t, s.Set("kp.1.data", big))
	v, ok, err := s.Get("kp.1.data")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, v)
}
