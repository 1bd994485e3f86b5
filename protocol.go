package memcached

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
	"github.com/ninowalker/jmemcache-daemon-sub000/recycle"
)

const (
	MaxKeySize         = 250
	MaxItemSize        = 128 * (1 << 20) // 128 MB.
	DefaultMaxItemSize = 1 << 20
	MaxCommandSize     = 1 << 12

	MaxRelativeExptime = 60 * 60 * 24 * 30 // 30 days.

	Separator = "\r\n"

	GetCommand       = "get"
	GetsCommand      = "gets"
	SetCommand       = "set"
	AddCommand       = "add"
	ReplaceCommand   = "replace"
	AppendCommand    = "append"
	PrependCommand   = "prepend"
	CASCommand       = "cas"
	IncrCommand      = "incr"
	DecrCommand      = "decr"
	DeleteCommand    = "delete"
	FlushAllCommand  = "flush_all"
	StatsCommand     = "stats"
	VersionCommand   = "version"
	VerbosityCommand = "verbosity"
	QuitCommand      = "quit"

	NoReplyOption = "noreply"

	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ExistsResponse      = "EXISTS"
	ValueResponse       = "VALUE"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	OKResponse          = "OK"
	StatResponse        = "STAT"
	VersionResponse     = "VERSION"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"

	// Implementation specific consts.
	InBufferSize  = 16 * (1 << 10)
	OutBufferSize = 16 * (1 << 10)
)

var _ = func() (_ struct{}) {
	if MaxCommandSize > InBufferSize {
		panic("max command should fit in input buffer")
	}
	return
}()

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrInvalidOption        = errors.New("invalid option")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrFieldsParseError     = errors.New("fields parse error")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")
	ErrInvalidDelta         = errors.New("invalid numeric delta argument")

	separatorBytes = []byte(Separator)
)

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

// parseKey checks key and returns copy of it, which stays valid after next read.
func parseKey(p []byte) (key cache.Key, err error) {
	err = checkKey(p)
	if err != nil {
		return
	}
	key = cache.NewKey(p)
	return
}

// storeMeta is parsed storage command line.
type storeMeta struct {
	key     cache.Key
	flags   uint32
	exptime int64 // Absolute.
	bytes   int
	cas     uint64
}

func (m storeMeta) entry(payload []byte) cache.Entry {
	return cache.Entry{
		Key:     m.key,
		Flags:   m.flags,
		Expiry:  m.exptime,
		Payload: payload,
	}
}

// parseStoreFields parses "<key> <flags> <exptime> <bytes> [<cas unique>] [noreply]".
func parseStoreFields(fields [][]byte, withCAS bool, now int64) (m storeMeta, noreply bool, err error) {
	extraRequired := 3
	if withCAS {
		extraRequired++
	}
	var key []byte
	var extra [][]byte
	key, extra, noreply, err = parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	m.key, err = parseKey(key)
	if err != nil {
		return
	}
	flags, err := parseUint(extra[0], 32)
	if err != nil {
		return
	}
	m.flags = uint32(flags)
	exptime, err := strconv.ParseInt(string(extra[1]), 10, 64)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		return
	}
	m.exptime = normalizeExptime(exptime, now)
	size, err := parseUint(extra[2], 31)
	if err != nil {
		return
	}
	m.bytes = int(size)
	if withCAS {
		m.cas, err = parseUint(extra[3], 64)
	}
	return
}

// normalizeExptime converts protocol exptime into absolute unix time.
// Values up to 30 days are relative to now, greater are absolute.
// Negative exptime means already expired item.
func normalizeExptime(exptime, now int64) int64 {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return 1
	case exptime <= MaxRelativeExptime:
		return now + exptime
	}
	return exptime
}

// parseIncrFields parses "<key> <value> [noreply]".
func parseIncrFields(fields [][]byte) (key []byte, delta uint64, noreply bool, err error) {
	var extra [][]byte
	key, extra, noreply, err = parseKeyFields(fields, 1)
	if err != nil {
		return
	}
	err = checkKey(key)
	if err != nil {
		return
	}
	delta, err = strconv.ParseUint(string(extra[0]), 10, 64)
	if err != nil {
		err = stackerr.Wrap(ErrInvalidDelta)
	}
	return
}

// parseDeleteFields parses "<key> [<time>] [noreply]".
func parseDeleteFields(fields [][]byte) (key []byte, delay int64, noreply bool, err error) {
	if len(fields) == 0 {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	err = checkKey(key)
	if err != nil {
		return
	}
	opts := fields[1:]
	if len(opts) > 0 && string(opts[len(opts)-1]) == NoReplyOption {
		noreply = true
		opts = opts[:len(opts)-1]
	}
	switch len(opts) {
	case 0:
	case 1:
		var d uint64
		d, err = parseUint(opts[0], 31)
		delay = int64(d)
	default:
		err = stackerr.Wrap(ErrTooManyFields)
	}
	return
}

// parseOptionalNumber parses "[<number>] [noreply]" used by flush_all and verbosity.
func parseOptionalNumber(fields [][]byte) (num int64, noreply bool, err error) {
	if len(fields) > 0 && string(fields[len(fields)-1]) == NoReplyOption {
		noreply = true
		fields = fields[:len(fields)-1]
	}
	switch len(fields) {
	case 0:
	case 1:
		num, err = strconv.ParseInt(string(fields[0]), 10, 64)
		if err != nil {
			err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		}
	default:
		err = stackerr.Wrap(ErrTooManyFields)
	}
	return
}

func parseUint(f []byte, bitSize int) (v uint64, err error) {
	v, err = strconv.ParseUint(string(f), 10, bitSize)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
	}
	return
}

func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	extra = fields[1:][:extraRequired]
	options := fields[1:][extraRequired:]
	const maxOptions = 1
	if len(options) > maxOptions {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(options) != 0 {
		if string(options[0]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	return
}

type reader struct {
	*bufio.Reader
	pool *recycle.Pool
}

func newReader(r io.Reader, p *recycle.Pool) reader {
	return reader{
		Reader: bufio.NewReaderSize(r, InBufferSize),
		pool:   p,
	}
}

// readLine reads line terminated by "\r\n". Bare "\n" is client error.
// Line longer than input buffer is discarded up to separator.
// Returned slice points into read buffer and is valid until next read.
func (r reader) readLine() (line []byte, clientErr, err error) {
	line, err = r.ReadSlice('\n')
	switch err {
	case nil:
	case bufio.ErrBufferFull:
		clientErr = stackerr.Wrap(ErrTooLargeCommand)
		err = r.skipLine()
		return
	case io.EOF:
		if len(line) != 0 {
			err = stackerr.Wrap(io.ErrUnexpectedEOF)
		}
		return
	default:
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.HasSuffix(line, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		return
	}
	line = line[:len(line)-len(separatorBytes)]
	return
}

// skipLine discards input until next separator.
func (r reader) skipLine() error {
	for {
		part, err := r.ReadSlice('\n')
		switch {
		case err == bufio.ErrBufferFull:
		case err != nil:
			return err
		case bytes.HasSuffix(part, separatorBytes):
			return nil
		}
	}
}

// readCommand reads command line and splits it into command name and fields.
// WARN: returned slices are invalidated after next read.
func (r reader) readCommand() (command []byte, fields [][]byte, clientErr, err error) {
	var line []byte
	line, clientErr, err = r.readLine()
	if clientErr != nil || err != nil {
		return
	}
	fields = bytes.Fields(line)
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	command, fields = fields[0], fields[1:]
	return
}

// readDataBlock reads value data and following separator.
// Data should be recycled by caller.
func (r reader) readDataBlock(size int) (data *recycle.Data, clientErr, err error) {
	data, err = r.pool.ReadData(r, size)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	var tail []byte
	tail, err = r.ReadSlice('\n')
	switch {
	case err != nil:
		err = stackerr.Wrap(err)
	case !bytes.Equal(tail, separatorBytes):
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
	default:
		return
	}
	data.Recycle()
	data = nil
	return
}
