package bundle

// VerifyScript is the self-contained verifier shipped inside each bundle
// as verify.js. It needs only Node's standard library, so a recipient can
// check integrity without installing anything.
const VerifyScript = `#!/usr/bin/env node
// Offline evidence bundle verifier. Usage: node verify.js [dir]
// Checks the manifest hash, every file digest, the record hash chain,
// and the manifest signature. Requires Node 16+, no dependencies.
'use strict';

const crypto = require('crypto');
const fs = require('fs');
const path = require('path');

const dir = process.argv[2] || '.';
const problems = [];

function sha256Hex(buf) {
  return crypto.createHash('sha256').update(buf).digest('hex');
}

function taggedHash(buf) {
  return 'sha256:' + sha256Hex(buf);
}

// Serializes with lexicographically sorted object keys, matching the
// canonical form the server hashed at export time.
function canonicalize(value) {
  if (value === null || typeof value !== 'object') {
    return JSON.stringify(value);
  }
  if (Array.isArray(value)) {
    return '[' + value.map(canonicalize).join(',') + ']';
  }
  const keys = Object.keys(value).sort();
  const parts = keys.map((k) => JSON.stringify(k) + ':' + canonicalize(value[k]));
  return '{' + parts.join(',') + '}';
}

function readJSON(name) {
  return JSON.parse(fs.readFileSync(path.join(dir, name), 'utf8'));
}

const manifest = readJSON('manifest.json');

// 1. Manifest hash covers everything but itself.
const unsealed = Object.assign({}, manifest);
delete unsealed.manifestHash;
const computedManifestHash = taggedHash(Buffer.from(canonicalize(unsealed), 'utf8'));
if (computedManifestHash !== manifest.manifestHash) {
  problems.push('manifest.json: hash mismatch: stored ' + manifest.manifestHash +
    ', computed ' + computedManifestHash);
}

// 2. Every listed file must exist with the recorded size and digest.
for (const entry of manifest.files) {
  let data;
  try {
    data = fs.readFileSync(path.join(dir, entry.path));
  } catch (err) {
    problems.push(entry.path + ': listed in manifest but missing from bundle');
    continue;
  }
  if (data.length !== entry.size) {
    problems.push(entry.path + ': size mismatch: manifest ' + entry.size +
      ', actual ' + data.length);
  }
  const got = taggedHash(data);
  if (got !== entry.hash) {
    problems.push(entry.path + ': hash mismatch: manifest ' + entry.hash +
      ', actual ' + got);
  }
}

// 3. The record chain must recompute. Exports may start mid-chain, so the
// first record's predecessor is taken on faith.
let recordsChecked = 0;
if (manifest.files.some((f) => f.path === 'records.json')) {
  const records = readJSON('records.json');
  recordsChecked = records.length;
  if (records.length !== manifest.recordCount) {
    problems.push('records.json: manifest says ' + manifest.recordCount +
      ' records, file has ' + records.length);
  }
  let prev = null;
  for (const rec of records) {
    const combined = rec.inputHash + rec.outputHash + (rec.contextHash || '');
    const material = rec.previousHash ? rec.previousHash + combined : combined;
    const got = sha256Hex(Buffer.from(material, 'utf8'));
    if (got !== rec.recordHash) {
      problems.push('records.json: record ' + rec.transactionId +
        ' hash mismatch: stored ' + rec.recordHash + ', computed ' + got);
    }
    if (prev) {
      if (!rec.previousHash) {
        problems.push('records.json: record ' + rec.transactionId +
          ' claims genesis but follows ' + prev.transactionId);
      } else if (rec.previousHash !== prev.recordHash) {
        problems.push('records.json: record ' + rec.transactionId +
          ' does not link to ' + prev.transactionId);
      }
    }
    prev = rec;
  }
}

// 4. The manifest signature, when present, must verify against the
// bundled public key. proof.json carries the manifest hash, so it is not
// itself listed in the manifest.
let signatureStatus = 'absent';
if (fs.existsSync(path.join(dir, 'proof.json'))) {
  const proof = readJSON('proof.json');
  if (proof.manifestHash !== manifest.manifestHash) {
    problems.push('proof.json: proof covers manifest hash ' + proof.manifestHash +
      ', bundle has ' + manifest.manifestHash);
  }
  if (proof.signature && proof.publicKey) {
    signatureStatus = 'invalid';
    try {
      const raw = Buffer.from(proof.publicKey, 'base64');
      // Raw ed25519 key wrapped in a SPKI header for Node's key parser.
      const spki = Buffer.concat([
        Buffer.from('302a300506032b6570032100', 'hex'), raw]);
      const key = crypto.createPublicKey({ key: spki, format: 'der', type: 'spki' });
      const digestHex = proof.manifestHash.replace(/^sha256:/, '');
      const ok = crypto.verify(null, Buffer.from(digestHex, 'hex'), key,
        Buffer.from(proof.signature, 'base64'));
      if (ok) {
        signatureStatus = 'valid';
      } else {
        problems.push('proof.json: manifest signature does not verify');
      }
    } catch (err) {
      problems.push('proof.json: signature check failed: ' + err.message);
    }
  }
}

console.log('bundle:    ' + manifest.bundleId);
console.log('files:     ' + manifest.files.length + ' checked');
console.log('records:   ' + recordsChecked + ' checked');
console.log('signature: ' + signatureStatus);
if (problems.length === 0) {
  console.log('result:    VALID');
} else {
  console.log('result:    TAMPER EVIDENT');
  for (const p of problems) {
    console.log('  - ' + p);
  }
  process.exit(1);
}
`
