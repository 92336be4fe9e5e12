package poolabi

const PoolABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "commitment", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "rollupFee", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "leafIndex", "type": "uint256"},
      {"indexed": false, "internalType": "bytes", "name": "encryptedNote", "type": "bytes"}
    ],
    "name": "CommitmentQueued",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "commitment", "type": "bytes32"}
    ],
    "name": "CommitmentIncluded",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "rootHash", "type": "bytes32"},
      {"indexed": true, "internalType": "bytes32", "name": "serialNumber", "type": "bytes32"}
    ],
    "name": "CommitmentSpent",
    "type": "event"
  },
  {
    "inputs": [{"internalType": "bytes32", "name": "root", "type": "bytes32"}],
    "name": "isKnownRoot",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "bytes32", "name": "serialNumber", "type": "bytes32"}],
    "name": "isSpentSerialNumber",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "minRollupFee",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {
        "components": [
          {"internalType": "bytes", "name": "proof", "type": "bytes"},
          {"internalType": "bytes32", "name": "rootHash", "type": "bytes32"},
          {"internalType": "bytes32[]", "name": "serialNumbers", "type": "bytes32[]"},
          {"internalType": "bytes32[]", "name": "commitments", "type": "bytes32[]"},
          {"internalType": "bytes[]", "name": "encryptedNotes", "type": "bytes[]"},
          {"internalType": "bytes[]", "name": "encryptedAuditorNotes", "type": "bytes[]"},
          {"internalType": "uint256", "name": "publicAmount", "type": "uint256"},
          {"internalType": "address", "name": "publicRecipient", "type": "address"},
          {"internalType": "uint256", "name": "rollupFee", "type": "uint256"},
          {"internalType": "uint256", "name": "relayerFee", "type": "uint256"},
          {"internalType": "address", "name": "relayerAddress", "type": "address"},
          {"internalType": "address", "name": "sigPk", "type": "address"}
        ],
        "internalType": "struct Pool.TransactRequest",
        "name": "request",
        "type": "tuple"
      },
      {"internalType": "bytes", "name": "signature", "type": "bytes"}
    ],
    "name": "transact",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const DepositABIJSON = `[
  {
    "inputs": [
      {"internalType": "bytes32", "name": "commitment", "type": "bytes32"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "rollupFee", "type": "uint256"},
      {"internalType": "uint256", "name": "bridgeFee", "type": "uint256"},
      {"internalType": "uint256", "name": "executorFee", "type": "uint256"},
      {"internalType": "bytes", "name": "encryptedNote", "type": "bytes"}
    ],
    "name": "deposit",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  }
]`

const ERC20ABIJSON = `[
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "address", "name": "spender", "type": "address"}
    ],
    "name": "allowance",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "spender", "type": "address"},
      {"internalType": "uint256", "name": "value", "type": "uint256"}
    ],
    "name": "approve",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "account", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`
