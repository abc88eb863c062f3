package errx

import (
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors to AppError with appropriate status codes.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return New(err, http.StatusNotFound, RedisNotFoundMessage)
	}
	return New(err, http.StatusBadGateway, RedisErrorMessage)
}

// WrapPostgres wraps knowledge index errors with a consistent status and message.
func WrapPostgres(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, PostgresErrorMessage)
}

// WrapLLM wraps language model transport failures. These are fatal to the
// enclosing turn; the regeneration loop only retries on semantic rejection.
func WrapLLM(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, LLMErrorMessage)
}

// WrapSQLite wraps session store errors with a consistent status and message.
func WrapSQLite(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusInternalServerError, SQLiteErrorMessage)
}
