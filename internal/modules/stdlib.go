package modules

import "strings"

// stdlibRoots lists top-level standard library modules of CPython 3.8
// through 3.13, including private C accelerators.
var stdlibRoots = toSet([]string{
	"__future__", "__main__", "_abc", "_ast", "_asyncio", "_bisect", "_blake2",
	"_bz2", "_codecs", "_collections", "_collections_abc", "_compat_pickle",
	"_compression", "_contextvars", "_csv", "_ctypes", "_datetime", "_decimal",
	"_elementtree", "_functools", "_hashlib", "_heapq", "_imp", "_io", "_json",
	"_locale", "_lzma", "_markupbase", "_md5", "_multiprocessing", "_opcode",
	"_operator", "_pickle", "_posixsubprocess", "_py_abc", "_pydecimal",
	"_pyio", "_queue", "_random", "_sha1", "_sha256", "_sha3", "_sha512",
	"_signal", "_sitebuiltins", "_socket", "_sqlite3", "_sre", "_ssl", "_stat",
	"_statistics", "_string", "_strptime", "_struct", "_thread",
	"_threading_local", "_tkinter", "_tracemalloc", "_uuid", "_warnings",
	"_weakref", "_weakrefset", "_winapi", "_zoneinfo",
	"_aix_support", "_bootlocale", "_codecs_cn", "_codecs_hk", "_codecs_iso2022",
	"_codecs_jp", "_codecs_kr", "_codecs_tw", "_colorize", "_crypt", "_curses",
	"_curses_panel", "_dbm", "_frozen_importlib", "_frozen_importlib_external",
	"_gdbm", "_lsprof", "_multibytecodec", "_opcode_metadata", "_osx_support",
	"_overlapped", "_posixshmem", "_pydatetime", "_pylong", "_pyrepl",
	"_scproxy", "_select", "_sha2", "_symtable", "_sysconfig", "_tokenize",
	"_typing", "_wmi",
	"abc", "aifc", "argparse", "array", "ast", "asynchat", "asyncio",
	"asyncore", "atexit", "audioop", "base64", "bdb", "binascii", "binhex",
	"bisect", "builtins", "bz2", "cProfile", "calendar", "cgi", "cgitb",
	"chunk", "cmath", "cmd", "code", "codecs", "codeop", "collections",
	"colorsys", "compileall", "concurrent", "configparser", "contextlib",
	"contextvars", "copy", "copyreg", "crypt", "csv", "ctypes", "curses",
	"dataclasses", "datetime", "dbm", "decimal", "difflib", "dis", "distutils",
	"doctest", "email", "encodings", "ensurepip", "enum", "errno",
	"faulthandler", "fcntl", "filecmp", "fileinput", "fnmatch", "formatter",
	"fractions", "ftplib", "functools", "gc", "genericpath", "getopt",
	"getpass", "gettext", "glob", "graphlib", "grp", "gzip", "hashlib",
	"heapq", "hmac", "html", "http", "idlelib", "imaplib", "imghdr", "imp",
	"importlib", "inspect", "io", "ipaddress", "itertools", "json", "keyword",
	"lib2to3", "linecache", "locale", "logging", "lzma", "mailbox", "mailcap",
	"marshal", "math", "mimetypes", "mmap", "modulefinder", "msilib",
	"msvcrt", "multiprocessing", "netrc", "nis", "nntplib", "nt", "ntpath",
	"nturl2path", "numbers", "opcode", "operator", "optparse", "os",
	"ossaudiodev", "parser", "pathlib", "pdb", "pickle", "pickletools",
	"pipes", "pkgutil", "platform", "plistlib", "poplib", "posix",
	"posixpath", "pprint", "profile", "pstats", "pty", "pwd", "py_compile",
	"pyclbr", "pydoc", "pydoc_data", "pyexpat", "queue", "quopri", "random",
	"re", "readline", "reprlib", "resource", "rlcompleter", "runpy", "sched",
	"secrets", "select", "selectors", "shelve", "shlex", "shutil", "signal",
	"site", "smtpd", "smtplib", "sndhdr", "socket", "socketserver", "spwd",
	"sqlite3", "sre_compile", "sre_constants", "sre_parse", "ssl", "stat",
	"statistics", "string", "stringprep", "struct", "subprocess", "sunau",
	"symbol", "symtable", "sys", "sysconfig", "syslog", "tabnanny", "tarfile",
	"telnetlib", "tempfile", "termios", "textwrap", "this", "threading",
	"time", "timeit", "tkinter", "token", "tokenize", "tomllib", "trace",
	"traceback", "tracemalloc", "tty", "turtle", "turtledemo", "types",
	"typing", "unicodedata", "unittest", "urllib", "uu", "uuid", "venv",
	"warnings", "wave", "weakref", "webbrowser", "winreg", "winsound",
	"wsgiref", "xdrlib", "xml", "xmlrpc", "zipapp", "zipfile", "zipimport",
	"zlib", "zoneinfo",
})

// IsStdlib reports whether the root of name belongs to the standard library.
func IsStdlib(name string) bool {
	root := Root(name)
	return stdlibRoots[root] || strings.HasPrefix(root, "_sysconfigdata")
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
