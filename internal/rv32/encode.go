package rv32

// encode.go has instruction encoders. They are used to assemble the flat program
// images the kernel loads into user space; tests lean on them heavily. Immediates and
// branch offsets are signed, as the instruction set defines them.

func encodeR(op Opcode, rd, rs1, rs2 GPR, funct3, funct7 Word) Instruction {
	return Instruction(funct7<<25) |
		Instruction(rs2)<<20 |
		Instruction(rs1)<<15 |
		Instruction(funct3<<12) |
		Instruction(rd)<<7 |
		Instruction(op)
}

func encodeI(op Opcode, rd, rs1 GPR, funct3 Word, imm int32) Instruction {
	return Instruction(Word(imm)&0xfff)<<20 |
		Instruction(rs1)<<15 |
		Instruction(funct3<<12) |
		Instruction(rd)<<7 |
		Instruction(op)
}

func encodeS(op Opcode, rs1, rs2 GPR, funct3 Word, imm int32) Instruction {
	off := Word(imm)

	return Instruction(off>>5&0x7f)<<25 |
		Instruction(rs2)<<20 |
		Instruction(rs1)<<15 |
		Instruction(funct3<<12) |
		Instruction(off&0x1f)<<7 |
		Instruction(op)
}

func encodeB(op Opcode, rs1, rs2 GPR, funct3 Word, imm int32) Instruction {
	off := Word(imm)

	return Instruction(off>>12&0x1)<<31 |
		Instruction(off>>5&0x3f)<<25 |
		Instruction(rs2)<<20 |
		Instruction(rs1)<<15 |
		Instruction(funct3<<12) |
		Instruction(off>>1&0xf)<<8 |
		Instruction(off>>11&0x1)<<7 |
		Instruction(op)
}

func encodeU(op Opcode, rd GPR, imm Word) Instruction {
	return Instruction(imm&0xfffff000) |
		Instruction(rd)<<7 |
		Instruction(op)
}

func encodeJ(op Opcode, rd GPR, imm int32) Instruction {
	off := Word(imm)

	return Instruction(off>>20&0x1)<<31 |
		Instruction(off>>1&0x3ff)<<21 |
		Instruction(off>>11&0x1)<<20 |
		Instruction(off>>12&0xff)<<12 |
		Instruction(rd)<<7 |
		Instruction(op)
}

// Upper-immediate and jump instructions.

func Lui(rd GPR, imm Word) Instruction   { return encodeU(OpLui, rd, imm) }
func Auipc(rd GPR, imm Word) Instruction { return encodeU(OpAuipc, rd, imm) }

// Jal encodes a jump-and-link with a pc-relative byte offset.
func Jal(rd GPR, offset int32) Instruction { return encodeJ(OpJal, rd, offset) }

// Jalr encodes an indirect jump through rs1+imm.
func Jalr(rd, rs1 GPR, imm int32) Instruction { return encodeI(OpJalr, rd, rs1, 0, imm) }

// Branches. The offset is a pc-relative byte offset.

func Beq(rs1, rs2 GPR, offset int32) Instruction  { return encodeB(OpBranch, rs1, rs2, 0, offset) }
func Bne(rs1, rs2 GPR, offset int32) Instruction  { return encodeB(OpBranch, rs1, rs2, 1, offset) }
func Blt(rs1, rs2 GPR, offset int32) Instruction  { return encodeB(OpBranch, rs1, rs2, 4, offset) }
func Bge(rs1, rs2 GPR, offset int32) Instruction  { return encodeB(OpBranch, rs1, rs2, 5, offset) }
func Bltu(rs1, rs2 GPR, offset int32) Instruction { return encodeB(OpBranch, rs1, rs2, 6, offset) }
func Bgeu(rs1, rs2 GPR, offset int32) Instruction { return encodeB(OpBranch, rs1, rs2, 7, offset) }

// Loads and stores.

func Lb(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpLoad, rd, rs1, 0, imm) }
func Lh(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpLoad, rd, rs1, 1, imm) }
func Lw(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpLoad, rd, rs1, 2, imm) }
func Lbu(rd, rs1 GPR, imm int32) Instruction { return encodeI(OpLoad, rd, rs1, 4, imm) }
func Lhu(rd, rs1 GPR, imm int32) Instruction { return encodeI(OpLoad, rd, rs1, 5, imm) }

func Sb(rs1, rs2 GPR, imm int32) Instruction { return encodeS(OpStore, rs1, rs2, 0, imm) }
func Sh(rs1, rs2 GPR, imm int32) Instruction { return encodeS(OpStore, rs1, rs2, 1, imm) }
func Sw(rs1, rs2 GPR, imm int32) Instruction { return encodeS(OpStore, rs1, rs2, 2, imm) }

// Register-immediate operations.

func Addi(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpImm, rd, rs1, 0, imm) }
func Slti(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpImm, rd, rs1, 2, imm) }
func Sltiu(rd, rs1 GPR, imm int32) Instruction { return encodeI(OpImm, rd, rs1, 3, imm) }
func Xori(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpImm, rd, rs1, 4, imm) }
func Ori(rd, rs1 GPR, imm int32) Instruction   { return encodeI(OpImm, rd, rs1, 6, imm) }
func Andi(rd, rs1 GPR, imm int32) Instruction  { return encodeI(OpImm, rd, rs1, 7, imm) }

func Slli(rd, rs1 GPR, shamt Word) Instruction {
	return encodeI(OpImm, rd, rs1, 1, int32(shamt&0x1f))
}

func Srli(rd, rs1 GPR, shamt Word) Instruction {
	return encodeI(OpImm, rd, rs1, 5, int32(shamt&0x1f))
}

func Srai(rd, rs1 GPR, shamt Word) Instruction {
	return encodeI(OpImm, rd, rs1, 5, int32(shamt&0x1f|0x400))
}

// Register-register operations.

func Add(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 0, 0) }
func Sub(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 0, 0x20) }
func Sll(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 1, 0) }
func Slt(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 2, 0) }
func Sltu(rd, rs1, rs2 GPR) Instruction { return encodeR(OpReg, rd, rs1, rs2, 3, 0) }
func Xor(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 4, 0) }
func Srl(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 5, 0) }
func Sra(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 5, 0x20) }
func Or(rd, rs1, rs2 GPR) Instruction   { return encodeR(OpReg, rd, rs1, rs2, 6, 0) }
func And(rd, rs1, rs2 GPR) Instruction  { return encodeR(OpReg, rd, rs1, rs2, 7, 0) }

// System instructions.

func Ecall() Instruction  { return encodeI(OpSystem, Zero, Zero, 0, 0) }
func Ebreak() Instruction { return encodeI(OpSystem, Zero, Zero, 0, 1) }
func Nop() Instruction    { return Addi(Zero, Zero, 0) }

// Li expands the load-immediate pseudo-instruction. Values that fit a signed 12-bit
// immediate encode as a single addi; anything wider needs lui plus a corrected addi.
func Li(rd GPR, value Word) []Instruction {
	if int32(value) >= -2048 && int32(value) < 2048 {
		return []Instruction{Addi(rd, Zero, int32(value))}
	}

	// Sign-extend the low 12 bits, then adjust the upper part so the pair sums back
	// to the exact value.
	lo := int32(value<<20) >> 20

	if lo == 0 {
		return []Instruction{Lui(rd, value)}
	}

	return []Instruction{Lui(rd, value-Word(lo)), Addi(rd, rd, lo)}
}

// J encodes an unconditional pc-relative jump.
func J(offset int32) Instruction { return Jal(Zero, offset) }

// Ret returns through ra.
func Ret() Instruction { return Jalr(Zero, RA, 0) }
