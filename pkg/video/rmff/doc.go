// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rmff reads and writes RealMedia files.
package rmff

// All fields are big endian.
//
// chunk {
//   id      [4]byte
//   size    uint32 // Including id and size.
//   version uint16
// }
//
// .RMF { // 18 bytes.
//   chunk
//   fileVersion uint32
//   numHeaders  uint32
// }
//
// PROP { // 50 bytes.
//   chunk
//   maxBitRate    uint32
//   avgBitRate    uint32
//   maxPacketSize uint32
//   avgPacketSize uint32
//   numPackets    uint32
//   duration      uint32 // Milliseconds.
//   preroll       uint32
//   indexOffset   uint32
//   dataOffset    uint32
//   numStreams    uint16
//   flags         uint16
// }
//
// CONT {
//   chunk
//   titleLen     uint16
//   title        []byte
//   authorLen    uint16
//   author       []byte
//   copyrightLen uint16
//   copyright    []byte
//   commentLen   uint16
//   comment      []byte
// }
//
// MDPR {
//   chunk
//   streamNumber     uint16
//   maxBitRate       uint32
//   avgBitRate       uint32
//   maxPacketSize    uint32
//   avgPacketSize    uint32
//   startTime        uint32
//   preroll          uint32
//   duration         uint32
//   nameLen          uint8
//   name             []byte
//   mimeTypeLen      uint8
//   mimeType         []byte
//   typeSpecificLen  uint32
//   typeSpecificData []byte
// }
//
// DATA { // 18 bytes followed by packets.
//   chunk
//   numPackets     uint32
//   nextDataHeader uint32 // Offset of the next DATA chunk or 0.
// }
//
// packet {
//   version      uint16 // 0 or 1.
//   length       uint16 // Including this header.
//   streamNumber uint16
//   timestamp    uint32 // Milliseconds.
//   v0: group uint8, flags uint8     // 12 byte header.
//   v1: asmRule uint16, asmFlags uint8 // 13 byte header.
//   data         []byte
// }
//
// INDX {
//   chunk
//   numIndices      uint32
//   streamNumber    uint16
//   nextIndexHeader uint32
//   entries {
//     version     uint16
//     timestamp   uint32
//     offset      uint32
//     packetCount uint32
//   }
// }
//
// Track type is derived from the type specific data,
// ".ra\xfd" at offset 0 is audio and "VIDO" at offset 4 is video.
