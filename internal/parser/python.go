package parser

import (
	"strconv"
	"strings"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/knowledge"
)

// pythonStdlib is the union of standard-library top-level module names
// across the interpreter versions the backends understand.
var pythonStdlib = map[string]struct{}{}

func init() {
	for _, name := range []string{
		"abc", "aifc", "argparse", "array", "ast", "asynchat", "asyncio",
		"asyncore", "atexit", "audioop", "base64", "bdb", "binascii",
		"bisect", "builtins", "bz2", "calendar", "cgi", "cgitb", "chunk",
		"cmath", "cmd", "code", "codecs", "codeop", "collections",
		"colorsys", "compileall", "concurrent", "configparser",
		"contextlib", "contextvars", "copy", "copyreg", "cProfile",
		"crypt", "csv", "ctypes", "curses", "dataclasses", "datetime",
		"dbm", "decimal", "difflib", "dis", "distutils", "doctest",
		"email", "encodings", "enum", "errno", "faulthandler", "fcntl",
		"filecmp", "fileinput", "fnmatch", "fractions", "ftplib",
		"functools", "gc", "getopt", "getpass", "gettext", "glob", "grp",
		"gzip", "hashlib", "heapq", "hmac", "html", "http", "imaplib",
		"imghdr", "imp", "importlib", "inspect", "io", "ipaddress",
		"itertools", "json", "keyword", "lib2to3", "linecache", "locale",
		"logging", "lzma", "mailbox", "mailcap", "marshal", "math",
		"mimetypes", "mmap", "modulefinder", "multiprocessing", "netrc",
		"nis", "nntplib", "numbers", "operator", "optparse", "os",
		"ossaudiodev", "parser", "pathlib", "pdb", "pickle", "pickletools",
		"pipes", "pkgutil", "platform", "plistlib", "poplib", "posix",
		"pprint", "profile", "pstats", "pty", "pwd", "py_compile",
		"pyclbr", "pydoc", "queue", "quopri", "random", "re", "readline",
		"reprlib", "resource", "rlcompleter", "runpy", "sched", "secrets",
		"select", "selectors", "shelve", "shlex", "shutil", "signal",
		"site", "smtplib", "sndhdr", "socket", "socketserver", "sqlite3",
		"ssl", "stat", "statistics", "string", "stringprep", "struct",
		"subprocess", "sunau", "symtable", "sys", "sysconfig", "syslog",
		"tabnanny", "tarfile", "telnetlib", "tempfile", "termios", "test",
		"textwrap", "threading", "time", "timeit", "tkinter", "token",
		"tokenize", "trace", "traceback", "tracemalloc", "tty", "turtle",
		"types", "typing", "unicodedata", "unittest", "urllib", "uu",
		"uuid", "venv", "warnings", "wave", "weakref", "webbrowser",
		"wsgiref", "xdrlib", "xml", "xmlrpc", "zipapp", "zipfile",
		"zipimport", "zlib",
		// python 2 only
		"BaseHTTPServer", "ConfigParser", "Cookie", "HTMLParser", "Queue",
		"SimpleHTTPServer", "SocketServer", "StringIO", "Tkinter",
		"cPickle", "cStringIO", "httplib", "md5", "sets", "sha",
		"urllib2", "urlparse", "xmlrpclib",
	} {
		pythonStdlib[name] = struct{}{}
	}
}

// NewPythonParser wires the Python language parser to its configured
// backends, python3 first with python2 as the dialect fallback.
func NewPythonParser(cfg config.ParsersConfig, callback Callback) *LanguageParser {
	backends := make([]*backend, 0, len(cfg.Python))
	for i, b := range cfg.Python {
		backends = append(backends, newBackend("python_parser_"+strconv.Itoa(i), b))
	}
	return &LanguageParser{
		Language:       "python",
		backends:       backends,
		oracle:         newBackend("python_impact", cfg.PythonImpact),
		stdlib:         isPythonStdlib,
		includePrivate: true,
		callback:       callback,
	}
}

// isPythonStdlib also admits grammar pseudo-symbols, which the backends emit
// for language constructs rather than imports.
func isPythonStdlib(symbol string) bool {
	if strings.HasPrefix(symbol, knowledge.GrammarKey) {
		return true
	}
	module, _, _ := strings.Cut(symbol, ".")
	_, ok := pythonStdlib[module]
	return ok
}
