// Copyright 2024 ServoWorker authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridge provides raw access to the hardware the servo backends are
// built on: the I2C bus, GPIO character-device lines and the vendor gpio
// utility.
package bridge

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	// From /usr/include/linux/i2c-dev.h:
	// ioctl signals
	i2cSlave = 0x0703
	i2cFuncs = 0x0705
	i2cSmbus = 0x0720
	// Read/write markers
	i2cSmbusRead  = 1
	i2cSmbusWrite = 0

	// From /usr/include/linux/i2c.h:
	// Adapter functionality
	i2cFuncSmbusQuick         = 0x00010000
	i2cFuncSmbusReadByteData  = 0x00080000
	i2cFuncSmbusWriteByteData = 0x00100000
	i2cFuncSmbusWriteI2CBlock = 0x08000000
	// Transaction types
	i2cSmbusQuick        = 0
	i2cSmbusByteData     = 2
	i2cSmbusI2CBlockData = 8
)

// i2cBlockMax is the largest payload of a single SMBus block transfer.
const i2cBlockMax = 32

type i2cSmbusIoctlData struct {
	readWrite byte
	command   byte
	size      uint32
	data      uintptr
}

// I2CBus is a single I2C bus carrying register-addressable slave devices.
type I2CBus interface {
	Close() error
	ReadByteReg(addr byte, reg uint8) (uint8, error)
	WriteByteReg(addr byte, reg uint8, val uint8) error
	// WriteBlockReg writes up to 32 bytes starting at the given register,
	// in a single transaction.
	WriteBlockReg(addr byte, reg uint8, data []byte) error
	// DetectSlaveAddresses probes the bus to detect available addresses.
	DetectSlaveAddresses() []byte
}

type i2cBus struct {
	mutex sync.Mutex
	file  *os.File
	funcs uint64 // adapter functionality mask
}

// NewI2CBus opens the i2c bus device at the given location (e.g.
// /dev/i2c-5).
func NewI2CBus(location string) (I2CBus, error) {
	d := &i2cBus{}

	var err error
	if d.file, err = os.OpenFile(location, os.O_RDWR, os.ModeExclusive); err != nil {
		return nil, maskAny(err)
	}
	if err := d.queryFunctionality(); err != nil {
		d.file.Close()
		return nil, maskAny(err)
	}

	return d, nil
}

func (d *i2cBus) queryFunctionality() error {
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		d.file.Fd(),
		i2cFuncs,
		uintptr(unsafe.Pointer(&d.funcs)),
	)
	if errno != 0 {
		return errors.Wrap(errno, "querying functionality failed")
	}
	return nil
}

func (d *i2cBus) setAddress(address byte) error {
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		d.file.Fd(),
		i2cSlave,
		uintptr(address),
	)
	if errno != 0 {
		return errors.Wrap(errno, "setting slave address failed")
	}
	return nil
}

func (d *i2cBus) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.file.Close()
}

// ReadByteReg reads a single register of the device at the given address.
func (d *i2cBus) ReadByteReg(addr byte, reg uint8) (uint8, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.setAddress(addr); err != nil {
		return 0, maskAny(err)
	}
	val, err := d.readByteData(reg)
	if err != nil {
		i2cTransactionErrorsTotal.WithLabelValues(addrLabel(addr)).Inc()
		return 0, errors.Wrapf(err, "reading register 0x%02x failed", reg)
	}
	i2cTransactionsTotal.WithLabelValues(addrLabel(addr)).Inc()
	return val, nil
}

// WriteByteReg writes a single register of the device at the given address.
func (d *i2cBus) WriteByteReg(addr byte, reg uint8, val uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.setAddress(addr); err != nil {
		return maskAny(err)
	}
	if err := d.writeByteData(reg, val); err != nil {
		i2cTransactionErrorsTotal.WithLabelValues(addrLabel(addr)).Inc()
		return errors.Wrapf(err, "writing register 0x%02x failed", reg)
	}
	i2cTransactionsTotal.WithLabelValues(addrLabel(addr)).Inc()
	return nil
}

// WriteBlockReg writes a block of registers of the device at the given
// address in a single transaction.
func (d *i2cBus) WriteBlockReg(addr byte, reg uint8, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.setAddress(addr); err != nil {
		return maskAny(err)
	}
	if err := d.writeI2CBlockData(reg, data); err != nil {
		i2cTransactionErrorsTotal.WithLabelValues(addrLabel(addr)).Inc()
		return errors.Wrapf(err, "writing %d bytes at register 0x%02x failed", len(data), reg)
	}
	i2cTransactionsTotal.WithLabelValues(addrLabel(addr)).Inc()
	return nil
}

func (d *i2cBus) quick() error {
	if d.funcs&i2cFuncSmbusQuick == 0 {
		return errors.New("SMBus quick not supported")
	}
	return d.smbusAccess(i2cSmbusWrite, 0, i2cSmbusQuick, uintptr(0))
}

func (d *i2cBus) readByteData(reg uint8) (uint8, error) {
	if d.funcs&i2cFuncSmbusReadByteData == 0 {
		return 0, errors.New("SMBus read byte data not supported")
	}

	var data uint8
	err := d.smbusAccess(i2cSmbusRead, reg, i2cSmbusByteData, uintptr(unsafe.Pointer(&data)))
	return data, err
}

func (d *i2cBus) writeByteData(reg uint8, val uint8) error {
	if d.funcs&i2cFuncSmbusWriteByteData == 0 {
		return errors.New("SMBus write byte data not supported")
	}

	var data = val
	return d.smbusAccess(i2cSmbusWrite, reg, i2cSmbusByteData, uintptr(unsafe.Pointer(&data)))
}

func (d *i2cBus) writeI2CBlockData(reg uint8, data []byte) error {
	if len(data) > i2cBlockMax {
		return errors.Errorf("blocks larger than %d bytes (%d) not supported", i2cBlockMax, len(data))
	}
	if d.funcs&i2cFuncSmbusWriteI2CBlock == 0 {
		// Fall back to per-register writes on adapters without block
		// transfer support.
		for i, val := range data {
			if err := d.writeByteData(reg+uint8(i), val); err != nil {
				return maskAny(err)
			}
		}
		return nil
	}

	var buf [i2cBlockMax + 1]byte
	buf[0] = byte(len(data))
	copy(buf[1:], data)
	return d.smbusAccess(i2cSmbusWrite, reg, i2cSmbusI2CBlockData, uintptr(unsafe.Pointer(&buf[0])))
}

func (d *i2cBus) smbusAccess(readWrite byte, command byte, size uint32, data uintptr) error {
	smbus := &i2cSmbusIoctlData{
		readWrite: readWrite,
		command:   command,
		size:      size,
		data:      data,
	}

	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		d.file.Fd(),
		i2cSmbus,
		uintptr(unsafe.Pointer(smbus)),
	)
	if errno != 0 {
		return fmt.Errorf("smbus access failed with syscall.Errno %v", errno)
	}

	return nil
}

// DetectSlaveAddresses probes the bus to detect available addresses.
func (d *i2cBus) DetectSlaveAddresses() []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var result []byte
	for addr := 1; addr < 128; addr++ {
		if err := d.setAddress(byte(addr)); err != nil {
			continue
		}
		if err := d.quick(); err == nil {
			result = append(result, byte(addr))
		}
	}
	return result
}

func addrLabel(addr byte) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}
