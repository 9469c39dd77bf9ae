// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

/*
Package sorting contains the low-level procedures
used to execute SORT and merging GATHER.

Values are ordered by the total order of the value
domain (see value.Compare) or by the comparator
supplied by the storage engine:

  - null,
  - false, true,
  - numbers,
  - strings,
  - arrays,
  - objects.

Multi-key comparisons apply the keys in order;
a tie on every key is reported as equality.
*/
package sorting
