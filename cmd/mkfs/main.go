package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/scalefs/fs"
)

func main() {
	var size uint64
	var ninodes uint64
	flag.Uint64Var(&size, "size", 100*1024, "disk size in blocks")
	flag.Uint64Var(&ninodes, "ninodes", 8192, "number of inodes")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: mkfs [-size n] [-ninodes n] <image>\n")
		os.Exit(1)
	}

	d, err := disk.NewFileDisk(flag.Arg(0), size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	sup := fs.Mkfs(d, ninodes)
	fmt.Printf("%s: %d blocks, %d inodes, %d data blocks\n",
		flag.Arg(0), sup.Size, sup.NInodes, sup.NBlocks)
}
