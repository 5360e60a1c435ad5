package main

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/spf13/cobra"
)

// Archive sections. Every entry lives under one of them.
const (
	sectionData   = "orkestra-data"
	sectionConfig = "orkestra-config"
)

var (
	backupFile       string
	restoreFile      string
	restoreOverwrite bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write the database and config file to a .tar.zst archive",
	Long: `Write a consistent snapshot of the database, plus the config file when
present, to a zstd-compressed tar archive. Safe to run while serving.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(cmd.Context(), backupFile)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the database and config file from a backup archive",
	Long:  `Restore a backup archive. Stop the server first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(restoreFile, restoreOverwrite)
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupFile, "file", "f", "", "output archive (.tar.zst)")
	backupCmd.MarkFlagRequired("file")
	restoreCmd.Flags().StringVarP(&restoreFile, "file", "f", "", "backup archive (.tar.zst)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace existing files")
	restoreCmd.MarkFlagRequired("file")
}

func runBackup(ctx context.Context, outputPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "orkestra-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, filepath.Base(cfg.Store.Path))
	if err := db.Snapshot(ctx, snapshot); err != nil {
		return err
	}

	files := map[string]string{
		path.Join(sectionData, filepath.Base(cfg.Store.Path)): snapshot,
	}
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		files[path.Join(sectionConfig, filepath.Base(cfgPath))] = cfgPath
	}

	if err := writeArchive(outputPath, files); err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", len(files), formatSize(size))
	return nil
}

// writeArchive stores each source file under its archive name.
func writeArchive(outputPath string, files map[string]string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for name, src := range files {
		if err := addFile(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime().Truncate(time.Second),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, in)
	return err
}

func runRestore(inputPath string, overwrite bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	targets := map[string]string{
		sectionData:   filepath.Dir(cfg.Store.Path),
		sectionConfig: filepath.Dir(resolveConfigPath()),
	}

	n, err := extractArchive(inputPath, targets, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", n)
	return nil
}

// extractArchive writes every regular file of the archive into the target
// directory of its section and returns how many files were written.
func extractArchive(inputPath string, targets map[string]string, overwrite bool) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		section, rel := splitSectionPath(hdr.Name)
		dir, ok := targets[section]
		if !ok || rel == "" {
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(rel))

		if !overwrite {
			if _, err := os.Stat(dest); err == nil {
				return restored, fmt.Errorf("%s already exists, add --overwrite to replace it", dest)
			}
		}
		if err := writeFile(dest, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
			return restored, fmt.Errorf("restore %s: %w", dest, err)
		}
		restored++
	}
	return restored, nil
}

func writeFile(dest string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// splitSectionPath splits "orkestra-data/orkestra.db" into ("orkestra-data",
// "orkestra.db"). Unknown sections and paths leaving the section return
// empty strings.
func splitSectionPath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}
	section = name[:idx]
	if section != sectionData && section != sectionConfig {
		return "", ""
	}
	rel = path.Clean(name[idx+1:])
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
