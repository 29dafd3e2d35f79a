// Command zipfuse mounts a ZIP archive as a writable FUSE filesystem.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/galanin/zipfuse/internal/archive"
	"github.com/galanin/zipfuse/internal/commit"
	"github.com/galanin/zipfuse/internal/config"
	"github.com/galanin/zipfuse/internal/fsops"
	"github.com/galanin/zipfuse/internal/logging"
	"github.com/galanin/zipfuse/internal/tree"
)

// version is overwritten at build time via -ldflags; see the teacher's own
// cmd/main.go for the convention this follows.
var version = "dev"

func main() {
	var (
		readOnly  bool
		preciseMt bool
		verbose   int
		umount    bool
		showHelp  bool
		showVer   bool
	)

	flag.BoolVar(&readOnly, "r", false, "mount read-only")
	flag.BoolVar(&preciseMt, "force_precise_time", false, "keep sub-second mtimes when the format allows it (pass via -o)")
	flag.IntVar(&verbose, "verbose", 3, "log verbosity level between 1 (error) and 5 (trace)")
	flag.IntVar(&verbose, "v", 3, "--verbose (shorthand)")
	flag.BoolVar(&umount, "umount", false, "fusermount -u the mountpoint first")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.BoolVar(&showHelp, "h", false, "print usage and exit")
	flag.BoolVar(&showHelp, "help", false, "--help (shorthand)")
	flag.BoolVar(&showVer, "V", false, "print version and exit")
	flag.BoolVar(&showVer, "version", false, "--version (shorthand)")
	var mountOpts stringList
	flag.Var(&mountOpts, "o", "mount option (ro, force_precise_time, configfile=path.yaml); may be repeated")
	flag.Parse()

	if showHelp {
		usage()
		return
	}
	if showVer {
		fmt.Printf("zipfuse %s (go-fuse %s)\n", version, "v2")
		return
	}
	var configFile string
	for _, o := range mountOpts {
		switch {
		case o == "ro":
			readOnly = true
		case o == "force_precise_time":
			preciseMt = true
		case strings.HasPrefix(o, "configfile="):
			configFile = strings.TrimPrefix(o, "configfile=")
		}
	}

	if verbose < 1 {
		verbose = 1
	}
	if verbose > 5 {
		verbose = 5
	}
	logLvls := [5]logging.Level{logging.ErrorLevel, logging.WarnLevel, logging.InfoLevel, logging.DebugLevel, logging.TraceLevel}
	logging.Init(logLvls[verbose-1])

	sessionID := logging.NewSessionID()
	log := logging.ForSession("main", sessionID)

	archivePath := flag.Arg(0)
	mountPoint := flag.Arg(1)
	if archivePath == "" || mountPoint == "" {
		usage()
		os.Exit(2)
	}

	if umount {
		cmd := exec.Command("fusermount", "-u", mountPoint)
		cmd.Run() // nolint:errcheck — not yet mounted is not an error here
	}

	if !readOnly && !isFileWritable(archivePath) {
		log.Warn().Str("archive", archivePath).Msg("archive not writable, mounting read-only")
		readOnly = true
	}

	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.FromFile(configFile)
		if err != nil {
			log.Fatal().Err(err).Str("configfile", configFile).Msg("failed to load config override file")
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	cfg.ReadOnly = cfg.ReadOnly || readOnly
	cfg.ForcePreciseTime = cfg.ForcePreciseTime || preciseMt
	cfg.Debug = cfg.Debug || verbose >= 5

	sess, err := archive.Open(archivePath, readOnly)
	if err != nil {
		log.Fatal().Err(err).Str("archive", archivePath).Msg("failed to open archive")
	}

	entries, err := sess.ListEntries()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list archive entries")
	}

	t := tree.New()
	specs := make([]tree.ArchiveEntrySpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, tree.ArchiveEntrySpec{
			Index:      e.Index,
			Name:       e.Name,
			IsDir:      e.IsDir,
			Kind:       kindOf(e),
			Mode:       e.Mode,
			Uid:        e.Uid,
			Gid:        e.Gid,
			ModTime:    e.ModTime,
			Size:       e.Size,
			LinkTarget: e.LinkTarget,
			Rdev:       e.Rdev,
		})
	}
	if err := t.BuildFromArchive(specs); err != nil {
		log.Fatal().Err(err).Msg("failed to build node tree from archive")
	}

	raw := fsops.New(t, sess, cfg, logging.ForSession("fsops", sessionID), sessionID)

	srv, err := fuse.NewServer(raw, mountPoint, &fuse.MountOptions{
		FsName:         cfg.FsName,
		Name:           cfg.Name,
		Debug:          cfg.Debug,
		SingleThreaded: true,
		MaxWrite:       cfg.MaxWrite,
	})
	if err != nil {
		log.Fatal().Err(err).Str("mountpoint", mountPoint).Msg("failed to mount filesystem")
	}

	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		log.Fatal().Err(err).Msg("mount did not become ready")
	}
	log.Info().Str("archive", archivePath).Str("mountpoint", mountPoint).Bool("readonly", readOnly).Msg("zipfuse mounted")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("received signal, unmounting")

	if err := srv.Unmount(); err != nil {
		log.Error().Err(err).Msg("unmount failed")
		os.Exit(1)
	}

	if readOnly {
		log.Info().Msg("read-only mount, nothing to commit")
		return
	}

	if err := commit.Run(t, sess); err != nil {
		log.Error().Err(err).Msg("commit failed, archive left unchanged")
		os.Exit(1)
	}
	log.Info().Msg("archive committed successfully")
}

func kindOf(e archive.Entry) tree.Kind {
	switch {
	case e.IsDir:
		return tree.KindDirectory
	case e.IsSymlink:
		return tree.KindSymlink
	case e.IsDevice:
		return tree.KindDevice
	case e.IsFIFO:
		return tree.KindFIFO
	case e.IsSocket:
		return tree.KindSocket
	default:
		return tree.KindRegular
	}
}

// isFileWritable mirrors original_source/main.cpp's writable-parent precheck:
// an archive mounted read-write must itself be writable (or, if it doesn't
// exist yet, its parent directory must be).
func isFileWritable(path string) bool {
	const wOK = 2
	if err := syscall.Access(path, wOK); err == nil {
		return true
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return syscall.Access(filepath.Dir(path), wOK) == nil
	}
	return false
}

func usage() {
	fmt.Fprintf(os.Stderr, `zipfuse [options] <archive.zip> <mountpoint>

  -h, --help                 print usage and exit
  -V, --version              print version and exit
  -r, -o ro                  mount read-only
  -o force_precise_time      keep sub-second mtimes when the format allows it
  -o configfile=path.yaml    load config overrides from a YAML or JSON file
  -v, --verbose <1-5>        log verbosity (default 3)
  -u, --umount               fusermount -u the mountpoint first
`)
}

// stringList accumulates repeated -o flags, the same convention FUSE-facing
// CLIs use for comma-or-repeat mount options.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
