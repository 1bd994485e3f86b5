package memcached

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/rcrowley/go-metrics"

	"github.com/ninowalker/jmemcache-daemon-sub000/arena"
	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
	"github.com/ninowalker/jmemcache-daemon-sub000/engine"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/util"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
	"github.com/ninowalker/jmemcache-daemon-sub000/recycle"
)

const outOfMemoryMsg = "out of memory storing object"

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc, m.Pool),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve() {
	c.log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			c.Close()
			panic(r)
		}
		c.Close()
		c.log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.Cache.ProcessDeleteQueue()
			c.log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand:
				clientErr, err = c.get(fields, false)
			case GetsCommand:
				clientErr, err = c.get(fields, true)
			case SetCommand:
				clientErr, err = c.store(fields, c.Cache.Set)
			case AddCommand:
				clientErr, err = c.store(fields, c.Cache.Add)
			case ReplaceCommand:
				clientErr, err = c.store(fields, c.Cache.Replace)
			case AppendCommand:
				clientErr, err = c.store(fields, c.Cache.Append)
			case PrependCommand:
				clientErr, err = c.store(fields, c.Cache.Prepend)
			case CASCommand:
				clientErr, err = c.cas(fields)
			case IncrCommand:
				clientErr, err = c.incr(fields, c.Cache.Incr)
			case DecrCommand:
				clientErr, err = c.incr(fields, c.Cache.Decr)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case FlushAllCommand:
				clientErr, err = c.flushAll(fields)
			case StatsCommand:
				err = c.stats(fields)
			case VersionCommand:
				err = c.sendResponse(VersionResponse + " " + engine.Version)
			case VerbosityCommand:
				clientErr, err = c.verbosity(fields)
			case QuitCommand:
				c.log.Debug("Quit.")
				return nil
			default:
				c.log.Errorf("Unexpected command: %s", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) get(fields [][]byte, withCAS bool) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		clientErr = checkKey(key)
		if clientErr != nil {
			return
		}
	}

	entries := c.Cache.Get(fields...)

	err = c.sendGetResponse(entries, withCAS)
	return
}

func (c *conn) sendGetResponse(entries []*cache.Entry, withCAS bool) error {
	for _, e := range entries {
		if e == nil {
			continue
		}
		c.log.Debugf("Sending value. Key %s.", e.Key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(e.Key.String())
		if withCAS {
			fmt.Fprintf(c, " %v %v %v"+Separator, e.Flags, len(e.Payload), e.CAS)
		} else {
			fmt.Fprintf(c, " %v %v"+Separator, e.Flags, len(e.Payload))
		}
		c.Write(e.Payload)
		_, err := c.WriteString(Separator)
		if err != nil {
			return stackerr.Wrap(err)
		}
	}
	return c.sendResponse(EndResponse)
}

type storeFunc func(cache.Entry) (engine.Result, error)

func (c *conn) store(fields [][]byte, op storeFunc) (clientErr, err error) {
	m, data, noreply, clientErr, err := c.readEntry(fields, false)
	if clientErr != nil || err != nil {
		return
	}
	res, opErr := op(m.entry(data.Bytes()))
	data.Recycle()
	if opErr != nil {
		return c.operationError(opErr)
	}
	if res == engine.NotFound {
		// Append or prepend to absent key.
		res = engine.NotStored
	}
	err = c.sendResult(res, noreply)
	return
}

func (c *conn) cas(fields [][]byte) (clientErr, err error) {
	m, data, noreply, clientErr, err := c.readEntry(fields, true)
	if clientErr != nil || err != nil {
		return
	}
	res, opErr := c.Cache.CAS(m.cas, m.entry(data.Bytes()))
	data.Recycle()
	if opErr != nil {
		return c.operationError(opErr)
	}
	err = c.sendResult(res, noreply)
	return
}

// readEntry reads storage command fields and data block.
// Data block of invalid or too large entry is discarded.
func (c *conn) readEntry(fields [][]byte, withCAS bool) (m storeMeta, data *recycle.Data, noreply bool, clientErr, err error) {
	m, noreply, clientErr = parseStoreFields(fields, withCAS, nowUnix())
	if clientErr != nil {
		err = c.skipLine()
		return
	}
	if m.bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.bytes + len(Separator))
		err = stackerr.Wrap(err)
		return
	}
	data, clientErr, err = c.readDataBlock(m.bytes)
	return
}

type incrFunc func(key []byte, delta uint64) (uint64, engine.Result, error)

func (c *conn) incr(fields [][]byte, op incrFunc) (clientErr, err error) {
	key, delta, noreply, clientErr := parseIncrFields(fields)
	if clientErr != nil {
		return
	}
	val, res, opErr := op(key, delta)
	if opErr != nil {
		return c.operationError(opErr)
	}
	if noreply {
		err = c.Flush()
		return
	}
	if res == engine.NotFound {
		err = c.sendResponse(NotFoundResponse)
		return
	}
	err = c.sendResponse(strconv.FormatUint(val, 10))
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	key, delay, noreply, clientErr := parseDeleteFields(fields)
	if clientErr != nil {
		return
	}

	res := c.Cache.Delete(key, delay)

	err = c.sendResult(res, noreply)
	return
}

func (c *conn) flushAll(fields [][]byte) (clientErr, err error) {
	exptime, noreply, clientErr := parseOptionalNumber(fields)
	if clientErr != nil {
		return
	}
	if !c.Cache.FlushAll(exptime) {
		return c.operationError(engine.ErrClosed)
	}
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OKResponse)
	return
}

func (c *conn) verbosity(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	v, noreply, clientErr := parseOptionalNumber(fields)
	if clientErr != nil {
		return
	}
	if ls, ok := c.log.(log.LevelSetter); ok {
		ls.SetLevel(verbosityLevel(v))
	}
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OKResponse)
	return
}

func verbosityLevel(v int64) log.Level {
	switch {
	case v <= 0:
		return log.ErrorLevel
	case v == 1:
		return log.InfoLevel
	}
	return log.DebugLevel
}

func (c *conn) stats(fields [][]byte) error {
	arg := string(bytes.Join(fields, []byte(" ")))
	res := c.Cache.Stat(arg)
	switch arg {
	case "":
		c.Metrics.Each(func(name string, i interface{}) {
			switch m := i.(type) {
			case metrics.Counter:
				res[name] = []string{strconv.FormatInt(m.Count(), 10)}
			case metrics.Gauge:
				res[name] = []string{strconv.FormatInt(m.Value(), 10)}
			}
		})
	case "settings":
		res["item_size_max"] = []string{strconv.Itoa(c.MaxItemSize)}
	}
	names := make([]string, 0, len(res))
	for name := range res {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range res[name] {
			c.WriteString(StatResponse)
			c.WriteByte(' ')
			c.WriteString(name)
			c.WriteByte(' ')
			c.WriteString(v)
			c.WriteString(Separator)
		}
	}
	return c.sendResponse(EndResponse)
}

// operationError sends response for engine error. Only write error is returned as err.
func (c *conn) operationError(opErr error) (clientErr, err error) {
	switch util.Unwrap(opErr) {
	case engine.ErrNonNumeric:
		clientErr = opErr
		return
	case arena.ErrNoSpace:
		c.log.Warn("Store failed: ", opErr)
		err = c.sendResponse(ServerErrorResponse + " " + outOfMemoryMsg)
		return
	case engine.ErrClosed:
		c.log.Warn("Operation on closed engine: ", opErr)
		err = c.sendResponse(ServerErrorResponse + " " + engine.ErrClosed.Error())
		return
	}
	c.log.Error("Operation error: ", opErr)
	err = c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, util.Unwrap(opErr)))
	return
}

func (c *conn) sendResult(res engine.Result, noreply bool) error {
	if noreply {
		return c.Flush()
	}
	return c.sendResponse(res.String())
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	err = util.Unwrap(err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = util.Unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}

var nowUnix = func() int64 {
	return time.Now().Unix()
}
