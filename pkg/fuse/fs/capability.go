// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"sort"
	"strings"
)

// capabilities is the operation table of a file system, resolved once.
// A nil field means the operation is absent.
type capabilities struct {
	getattr     Getattrer
	fgetattr    Fgetattrer
	readlink    Readlinker
	mknod       Mknoder
	mkdir       Mkdirer
	unlink      Unlinker
	rmdir       Rmdirer
	symlink     Symlinker
	rename      Renamer
	link        Linker
	chmod       Chmoder
	chown       Chowner
	truncate    Truncater
	ftruncate   Ftruncater
	utimens     Utimenser
	open        Opener
	create      Creator
	read        Reader
	write       Writer
	statfs      Statfser
	flush       Flusher
	release     Releaser
	fsync       Fsyncer
	setxattr    Setxattrer
	getxattr    Getxattrer
	listxattr   Listxattrer
	removexattr Removexattrer
	opendir     Opendirer
	readdir     Readdirer
	releasedir  Releasedirer
	fsyncdir    Fsyncdirer
	init        Initer
	destroy     Destroyer
	access      Accesser
	lock        Locker
	bmap        Bmapper
	ioctl       Ioctler
	poll        Poller

	signals map[string]func() error
}

func capabilitiesOf(fsys interface{}) capabilities {
	var c capabilities
	c.getattr, _ = fsys.(Getattrer)
	c.fgetattr, _ = fsys.(Fgetattrer)
	c.readlink, _ = fsys.(Readlinker)
	c.mknod, _ = fsys.(Mknoder)
	c.mkdir, _ = fsys.(Mkdirer)
	c.unlink, _ = fsys.(Unlinker)
	c.rmdir, _ = fsys.(Rmdirer)
	c.symlink, _ = fsys.(Symlinker)
	c.rename, _ = fsys.(Renamer)
	c.link, _ = fsys.(Linker)
	c.chmod, _ = fsys.(Chmoder)
	c.chown, _ = fsys.(Chowner)
	c.truncate, _ = fsys.(Truncater)
	c.ftruncate, _ = fsys.(Ftruncater)
	c.utimens, _ = fsys.(Utimenser)
	c.open, _ = fsys.(Opener)
	c.create, _ = fsys.(Creator)
	c.read, _ = fsys.(Reader)
	c.write, _ = fsys.(Writer)
	c.statfs, _ = fsys.(Statfser)
	c.flush, _ = fsys.(Flusher)
	c.release, _ = fsys.(Releaser)
	c.fsync, _ = fsys.(Fsyncer)
	c.setxattr, _ = fsys.(Setxattrer)
	c.getxattr, _ = fsys.(Getxattrer)
	c.listxattr, _ = fsys.(Listxattrer)
	c.removexattr, _ = fsys.(Removexattrer)
	c.opendir, _ = fsys.(Opendirer)
	c.readdir, _ = fsys.(Readdirer)
	c.releasedir, _ = fsys.(Releasedirer)
	c.fsyncdir, _ = fsys.(Fsyncdirer)
	c.init, _ = fsys.(Initer)
	c.destroy, _ = fsys.(Destroyer)
	c.access, _ = fsys.(Accesser)
	c.lock, _ = fsys.(Locker)
	c.bmap, _ = fsys.(Bmapper)
	c.ioctl, _ = fsys.(Ioctler)
	c.poll, _ = fsys.(Poller)

	c.signals = make(map[string]func() error)
	if s, ok := fsys.(Signaler); ok {
		for name, fn := range s.Signals() {
			if fn != nil {
				c.signals[signalName(name)] = fn
			}
		}
	}
	return c
}

// names lists the implemented operations, sorted.
func (c *capabilities) names() []string {
	present := map[string]bool{
		"getattr":     c.getattr != nil,
		"fgetattr":    c.fgetattr != nil,
		"readlink":    c.readlink != nil,
		"mknod":       c.mknod != nil,
		"mkdir":       c.mkdir != nil,
		"unlink":      c.unlink != nil,
		"rmdir":       c.rmdir != nil,
		"symlink":     c.symlink != nil,
		"rename":      c.rename != nil,
		"link":        c.link != nil,
		"chmod":       c.chmod != nil,
		"chown":       c.chown != nil,
		"truncate":    c.truncate != nil,
		"ftruncate":   c.ftruncate != nil,
		"utimens":     c.utimens != nil,
		"open":        c.open != nil,
		"create":      c.create != nil,
		"read":        c.read != nil,
		"write":       c.write != nil,
		"statfs":      c.statfs != nil,
		"flush":       c.flush != nil,
		"release":     c.release != nil,
		"fsync":       c.fsync != nil,
		"setxattr":    c.setxattr != nil,
		"getxattr":    c.getxattr != nil,
		"listxattr":   c.listxattr != nil,
		"removexattr": c.removexattr != nil,
		"opendir":     c.opendir != nil,
		"readdir":     c.readdir != nil,
		"releasedir":  c.releasedir != nil,
		"fsyncdir":    c.fsyncdir != nil,
		"init":        c.init != nil,
		"destroy":     c.destroy != nil,
		"access":      c.access != nil,
		"lock":        c.lock != nil,
		"bmap":        c.bmap != nil,
		"ioctl":       c.ioctl != nil,
		"poll":        c.poll != nil,
	}
	var names []string
	for name, ok := range present {
		if ok {
			names = append(names, name)
		}
	}
	for name := range c.signals {
		names = append(names, "sig"+strings.ToLower(name))
	}
	sort.Strings(names)
	return names
}
