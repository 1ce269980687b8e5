package tokens

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// Counter counts BPE tokens. The encoding is loaded on first use.
type Counter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{encoding: encoding}
}

func (c *Counter) load() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encoding)
		if c.err != nil {
			c.err = errors.Wrapf(c.err, "load encoding %s", c.encoding)
		}
	})
	return c.enc, c.err
}

func (c *Counter) Count(text string) (int, error) {
	enc, err := c.load()
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
