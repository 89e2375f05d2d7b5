// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chunk

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

// Compress a whole stream with xz before it is split. Equal input results in equal
// output, so a compressed stream can be split again for retransmissions.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if xzW, err := xz.NewWriter(&buf); err != nil {
		return nil, err
	} else if _, err = xzW.Write(data); err != nil {
		return nil, err
	} else if err = xzW.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress a joined xz stream.
func Decompress(data []byte) ([]byte, error) {
	xzR, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(xzR)
}
