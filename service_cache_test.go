package dynlistener

import (
	"bufio"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheService(t *testing.T) {
	service, err := NewCacheService(1<<20, 1000, 4)
	require.NoError(t, err)
	defer service.Close()

	tests := []struct {
		request string
		reply   string
	}{
		{"PING", "PONG"},
		{"GET missing", "NOT_FOUND"},
		{"SET greeting hello world", "OK"},
		{"get greeting", "VALUE hello world"},
		{"DEL greeting", "DELETED"},
		{"GET greeting", "NOT_FOUND"},
		{"SET lonely", "ERR SET needs a key and a value"},
		{"GET", "ERR GET needs a key"},
		{"FLUSH", `ERR unknown command "FLUSH"`},
	}
	for _, tt := range tests {
		reply, err := service.Serve([]byte(tt.request))
		require.NoError(t, err, tt.request)
		assert.Equal(t, tt.reply, string(reply), tt.request)
	}
}

func TestCacheServiceReplaysRequestFile(t *testing.T) {
	service, err := NewCacheService(1<<20, 1000, 4)
	require.NoError(t, err)
	defer service.Close()

	file, err := os.Open("testdata/requests.txt")
	require.NoError(t, err)
	defer file.Close()
	var replies []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		reply, err := service.Serve(scanner.Bytes())
		require.NoError(t, err)
		replies = append(replies, string(reply))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"PONG", "OK", "VALUE hello world", "DELETED", "NOT_FOUND"}, replies)
}
