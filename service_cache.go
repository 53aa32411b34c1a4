package dynlistener

import (
	"bytes"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

const cacheBufferItems = 64

var (
	replyOK       = []byte("OK")
	replyNotFound = []byte("NOT_FOUND")
	replyDeleted  = []byte("DELETED")
	replyPong     = []byte("PONG")
)

// CacheService is a line service over an in-memory cache:
//
//	SET <key> <value>   -> OK
//	GET <key>           -> VALUE <value> | NOT_FOUND
//	DEL <key>           -> DELETED
//	PING                -> PONG
//
// Unknown or malformed commands are answered with ERR and keep the
// connection open. Keys are spread over shards by jump hash, each shard
// getting an equal part of the cost and counter budget.
type CacheService struct {
	shards []*ristretto.Cache
}

func NewCacheService(maxCost, numCounters int64, shards int) (*CacheService, error) {
	if shards < 1 {
		shards = 1
	}
	service := &CacheService{shards: make([]*ristretto.Cache, 0, shards)}
	for i := 0; i < shards; i++ {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: max(numCounters/int64(shards), 1),
			MaxCost:     max(maxCost/int64(shards), 1),
			BufferItems: cacheBufferItems,
		})
		if err != nil {
			service.Close()
			return nil, err
		}
		service.shards = append(service.shards, cache)
	}
	return service, nil
}

func (s *CacheService) shard(key []byte) *ristretto.Cache {
	return s.shards[shardOf(string(key), len(s.shards))]
}

func (s *CacheService) Serve(line []byte) ([]byte, error) {
	command, rest := splitWord(line)
	switch string(bytes.ToUpper(command)) {
	case "SET":
		key, value := splitWord(rest)
		if len(key) == 0 || len(value) == 0 {
			return errorReply("SET needs a key and a value"), nil
		}
		stored := append([]byte(nil), value...)
		cache := s.shard(key)
		if !cache.Set(string(key), stored, int64(len(stored))) {
			return errorReply("value dropped"), nil
		}
		cache.Wait()
		return replyOK, nil
	case "GET":
		key, _ := splitWord(rest)
		if len(key) == 0 {
			return errorReply("GET needs a key"), nil
		}
		value, ok := s.shard(key).Get(string(key))
		if !ok {
			return replyNotFound, nil
		}
		return append([]byte("VALUE "), value.([]byte)...), nil
	case "DEL":
		key, _ := splitWord(rest)
		if len(key) == 0 {
			return errorReply("DEL needs a key"), nil
		}
		s.shard(key).Del(string(key))
		return replyDeleted, nil
	case "PING":
		return replyPong, nil
	}
	return errorReply(fmt.Sprintf("unknown command %q", command)), nil
}

func (s *CacheService) Close() {
	for _, cache := range s.shards {
		cache.Close()
	}
}

func errorReply(msg string) []byte {
	return []byte("ERR " + msg)
}

// splitWord cuts the first space separated word off line.
func splitWord(line []byte) ([]byte, []byte) {
	line = bytes.TrimLeft(line, " ")
	idx := bytes.IndexByte(line, ' ')
	if idx < 0 {
		return line, nil
	}
	return line[:idx], bytes.TrimLeft(line[idx+1:], " ")
}
